package bus_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sdss/lvmscp/bus"
)

func echoActor(t *testing.T, lb *bus.Loopback, codec bus.Codec) {
	t.Helper()
	actor := bus.NewClient("lvmieb", lb, bus.WithCodec(codec))
	err := actor.Serve(func(req bus.Request, w bus.ReplyWriter) {
		switch req.Command {
		case "shutter status sp1":
			w.Write(bus.Running, nil)
			w.Write(bus.Info, bus.Fields{"sp1_shutter": bus.Fields{"open": false, "invalid": false}})
			w.Write(bus.Info, bus.Fields{"count": 1})
			w.Write(bus.Info, bus.Fields{"count": 2})
			w.Write(bus.Done, nil)
		case "hang":
			w.Write(bus.Running, nil)
		default:
			w.Write(bus.Failed, bus.Fields{"error": "unknown command"})
		}
	})
	require.NoError(t, err)
}

func TestSendCollectsReplies(t *testing.T) {
	for _, codec := range []bus.Codec{bus.JSON, bus.CBOR} {
		t.Run(codec.Name(), func(t *testing.T) {
			lb := bus.NewLoopback()
			defer lb.Close()
			echoActor(t, lb, codec)
			c := bus.NewClient("lvmscp", lb, bus.WithCodec(codec))

			res, err := c.Send(context.Background(), "lvmieb", "shutter status sp1", time.Second)
			require.NoError(t, err)
			assert.True(t, res.DidSucceed())
			assert.Len(t, res.Replies, 5)

			v, ok := res.Get("count")
			require.True(t, ok)
			n, ok := bus.AsFloat(v)
			require.True(t, ok)
			assert.Equal(t, 2.0, n, "newest value wins")

			v, ok = res.Get("sp1_shutter")
			require.True(t, ok)
			m, ok := bus.AsMap(v)
			require.True(t, ok)
			open, ok := bus.AsBool(m["open"])
			require.True(t, ok)
			assert.False(t, open)
		})
	}
}

func TestSendFailed(t *testing.T) {
	lb := bus.NewLoopback()
	defer lb.Close()
	echoActor(t, lb, bus.JSON)
	c := bus.NewClient("lvmscp", lb)

	res, err := c.Send(context.Background(), "lvmieb", "bogus", time.Second)
	require.NoError(t, err)
	assert.True(t, res.DidFail())
	assert.Equal(t, bus.StatusFailed, res.Status)
	assert.Equal(t, bus.Failed, res.Last().Code)
}

func TestSendTimesOut(t *testing.T) {
	lb := bus.NewLoopback()
	defer lb.Close()
	echoActor(t, lb, bus.JSON)
	c := bus.NewClient("lvmscp", lb)

	res, err := c.Send(context.Background(), "lvmieb", "hang", 50*time.Millisecond)
	require.Error(t, err)
	assert.True(t, errors.Is(err, bus.ErrTimeout))
	require.NotNil(t, res)
	assert.Equal(t, bus.StatusTimedOut, res.Status)
	assert.True(t, res.DidFail())
}

func TestSendNobodyListening(t *testing.T) {
	lb := bus.NewLoopback()
	defer lb.Close()
	c := bus.NewClient("lvmscp", lb)
	_, err := c.Send(context.Background(), "lvmnps", "status", 20*time.Millisecond)
	assert.True(t, errors.Is(err, bus.ErrTimeout))
}

func TestBroadcastAndWatch(t *testing.T) {
	lb := bus.NewLoopback()
	defer lb.Close()
	scp := bus.NewClient("lvmscp", lb)
	watcher := bus.NewClient("observer", lb)

	got := make(chan bus.Reply, 1)
	require.NoError(t, watcher.Watch("lvmscp", func(r bus.Reply) { got <- r }))
	require.NoError(t, scp.Broadcast(bus.Info, bus.Fields{"etr": 12.5}))

	select {
	case r := <-got:
		assert.Equal(t, "lvmscp", r.Actor)
		assert.Equal(t, 12.5, r.Fields.Float("etr", 0))
	case <-time.After(time.Second):
		t.Fatal("no broadcast received")
	}
}

func TestMatch(t *testing.T) {
	tests := []struct {
		filter, topic string
		want          bool
	}{
		{"lvm/lvmscp/command", "lvm/lvmscp/command", true},
		{"lvm/+/status", "lvm/lvmscp/status", true},
		{"lvm/#", "lvm/lvmscp/reply", true},
		{"lvm/+/status", "lvm/lvmscp/reply", false},
		{"lvm/lvmscp", "lvm/lvmscp/command", false},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, bus.Match(tt.filter, tt.topic), tt.filter+" "+tt.topic)
	}
}

func TestCodecByName(t *testing.T) {
	c, err := bus.CodecByName("CBOR")
	require.NoError(t, err)
	assert.Equal(t, "cbor", c.Name())
	_, err = bus.CodecByName("xml")
	assert.True(t, errors.Is(err, bus.ErrUnknownCodec))
}
