package transport

import (
	"fmt"
	"testing"
	"time"

	"github.com/inkdeck/inkdeck/backend/go/internal/v1/protocol"
	"github.com/inkdeck/inkdeck/backend/go/internal/v1/registry"
	"github.com/inkdeck/inkdeck/backend/go/internal/v1/types"
)

// sinkMember is a room member that accepts every frame immediately.
type sinkMember struct {
	id types.ClientIDType
}

func (m *sinkMember) GetID() types.ClientIDType { return m.id }

func (m *sinkMember) GetUser() types.UserInfo {
	return types.UserInfo{ID: types.UserIDType(m.id), Name: string(m.id)}
}

func (m *sinkMember) GetRole() types.RoleType { return types.RoleTypeEditor }

func (m *sinkMember) GetJoinedAt() time.Time { return time.Time{} }

func (m *sinkMember) CloseWithReason(string) {}

func (m *sinkMember) TrySend([]byte) bool { return true }

func BenchmarkBroadcastFanOut(b *testing.B) {
	for _, size := range []int{2, 10, 50} {
		b.Run(fmt.Sprintf("room_size_%d", size), func(b *testing.B) {
			reg := registry.New()
			for i := 0; i < size; i++ {
				member := &sinkMember{id: types.ClientIDType(fmt.Sprintf("client-%d", i))}
				if err := reg.Attach(member, "bench-room"); err != nil {
					b.Fatal(err)
				}
			}
			frame := protocol.MustEncode(protocol.Update{
				Delta: protocol.EncodeDelta([]byte("benchmark stroke payload")),
				From:  "client-0",
			})

			b.ReportAllocs()
			b.ResetTimer()
			for i := 0; i < b.N; i++ {
				reg.Broadcast("bench-room", frame, "client-0")
			}
		})
	}
}

func BenchmarkCodecDecodeUpdate(b *testing.B) {
	codec := protocol.Codec{MaxFrameBytes: 1 << 20}
	frame := protocol.MustEncode(protocol.Update{
		Delta: protocol.EncodeDelta(make([]byte, 512)),
	})

	b.ReportAllocs()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if _, err := codec.Decode(frame); err != nil {
			b.Fatal(err)
		}
	}
}

func BenchmarkEncodeSyncResponse(b *testing.B) {
	participants := make([]types.Participant, 100)
	for i := range participants {
		participants[i] = types.Participant{
			ClientID: types.ClientIDType(fmt.Sprintf("client-%d", i)),
			User: types.UserInfo{
				ID:    types.UserIDType(fmt.Sprintf("user-%d", i)),
				Name:  fmt.Sprintf("User %d", i),
				Color: "#3b82f6",
			},
			Role:     types.RoleTypeEditor,
			JoinedAt: time.Unix(1700000000, 0),
		}
	}
	sync := protocol.SyncResponse{
		SnapshotData: protocol.EncodeDelta(make([]byte, 4096)),
		Participants: participants,
	}

	b.ReportAllocs()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if _, err := protocol.Encode(sync); err != nil {
			b.Fatal(err)
		}
	}
}
