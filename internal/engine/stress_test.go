package engine_test

import (
	"context"
	"encoding/binary"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/koopa0/system-design/14-relay-server/internal/directory"
	"github.com/koopa0/system-design/14-relay-server/internal/engine"
	"github.com/koopa0/system-design/14-relay-server/internal/protocol"
)

// TestStress_ConcurrentRelay 多房間同時中繼，檢查每個發送者的訊框順序
func TestStress_ConcurrentRelay(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping stress test in short mode")
	}

	h := newHarness(t, func(cfg *engine.Config, _ *directory.MemoryStore) {
		cfg.WorkerCount = 4
		cfg.SendQueueSize = 1024
	})

	const (
		numRooms       = 20
		clientsPerRoom = 4
		framesPerPeer  = 50
	)

	rooms := make([][]*client, numRooms)
	for i := range rooms {
		host, resp := h.create("")
		members := []*client{host}
		for j := 1; j < clientsPerRoom; j++ {
			c, got := h.join(resp.RoomID, "")
			require.True(t, got.OK, got.Message)
			members = append(members, c)
		}
		// 先讀掉加入通知
		for k, c := range members {
			for range clientsPerRoom - 1 - k {
				assert.Equal(t, protocol.TypeNewConnect, c.next().Type)
			}
		}
		rooms[i] = members
	}

	var (
		wg       sync.WaitGroup
		received atomic.Int64
		failures atomic.Int64
	)
	errs := make(chan string, numRooms*clientsPerRoom)

	start := time.Now()
	for _, members := range rooms {
		for _, c := range members {
			wg.Add(2)

			go func() {
				defer wg.Done()
				for seq := 0; seq < framesPerPeer; seq++ {
					payload := binary.LittleEndian.AppendUint32(nil, uint32(seq))
					in := protocol.Inbound{Target: protocol.TargetOthers, Type: 0x01, Payload: payload}
					if err := c.conn.WriteFrame(protocol.EncodeInbound(in)); err != nil {
						failures.Add(1)
						return
					}
				}
			}()

			go func() {
				defer wg.Done()
				ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
				defer cancel()

				last := map[uint16]int{}
				want := (clientsPerRoom - 1) * framesPerPeer
				for n := 0; n < want; n++ {
					frame, err := c.conn.ReadFrame(ctx)
					if err != nil {
						errs <- fmt.Sprintf("client %d: read: %v", c.id, err)
						return
					}
					out, err := protocol.ParseOutbound(frame)
					if err != nil || out.IsSystem() {
						errs <- fmt.Sprintf("client %d: unexpected frame %v", c.id, frame)
						return
					}
					seq := int(binary.LittleEndian.Uint32(out.Payload))
					if prev, ok := last[out.Sender]; ok && seq != prev+1 {
						errs <- fmt.Sprintf("client %d: sender %d sent %d after %d", c.id, out.Sender, seq, prev)
						return
					}
					last[out.Sender] = seq
					received.Add(1)
				}
			}()
		}
	}

	wg.Wait()
	close(errs)
	duration := time.Since(start)

	for msg := range errs {
		t.Error(msg)
	}
	assert.Zero(t, failures.Load())

	total := int64(numRooms * clientsPerRoom * (clientsPerRoom - 1) * framesPerPeer)
	assert.Equal(t, total, received.Load())

	t.Logf("中繼壓力測試結果:")
	t.Logf("  房間數: %d", numRooms)
	t.Logf("  收到訊框: %d", received.Load())
	t.Logf("  耗時: %v", duration)
	t.Logf("  速率: %.2f frames/sec", float64(received.Load())/duration.Seconds())
}
