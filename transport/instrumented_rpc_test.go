package transport

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/ellomessenger/transfercore/interfaces"
	"github.com/ellomessenger/transfercore/mocks"
	"github.com/stretchr/testify/assert"
	"go.uber.org/mock/gomock"
)

func TestInstrumentedRPCRecordsCompletion(t *testing.T) {
	ctrl := gomock.NewController(t)
	next := mocks.NewMockRPC(ctrl)

	nm := NewNetworkMonitor(DefaultThresholds())
	tp := newMockTimeProvider()
	nm.SetTimeProvider(tp)
	rpc := NewInstrumentedRPC(next, nm)

	var complete func(interfaces.Response)
	next.EXPECT().SendChunkRequest(gomock.Any(), gomock.Any(), gomock.Any()).
		DoAndReturn(func(req interfaces.Request, onComplete func(interfaces.Response), onError func(error)) interfaces.RequestHandle {
			complete = onComplete
			return 7
		})

	var got interfaces.Response
	req := &interfaces.GetFilePart{Location: "loc", Offset: 0, Limit: 4}
	h := rpc.SendChunkRequest(req, func(r interfaces.Response) { got = r }, func(error) { t.Fatal("unexpected error") })
	assert.Equal(t, interfaces.RequestHandle(7), h)
	assert.Equal(t, 1, rpc.InFlight())

	tp.advance(200 * time.Millisecond)
	complete(interfaces.Response{Bytes: []byte("data")})

	assert.Equal(t, []byte("data"), got.Bytes)
	assert.Equal(t, 0, rpc.InFlight())
	m := nm.GetMetrics()
	assert.Equal(t, uint64(1), m.RequestsFinished)
	assert.Equal(t, uint64(4), m.BytesReceived)
	assert.InDelta(t, 200, m.AverageLatency, 0.001)
}

func TestInstrumentedRPCClassifiesErrors(t *testing.T) {
	ctrl := gomock.NewController(t)
	next := mocks.NewMockRPC(ctrl)
	nm := NewNetworkMonitor(DefaultThresholds())
	rpc := NewInstrumentedRPC(next, nm)

	failures := []error{
		errors.New("connection reset"),
		fmt.Errorf("FILE_PART_INVALID: %w", ErrProtocolRejection),
	}
	for i, failure := range failures {
		failure := failure
		next.EXPECT().SendChunkRequest(gomock.Any(), gomock.Any(), gomock.Any()).
			DoAndReturn(func(req interfaces.Request, onComplete func(interfaces.Response), onError func(error)) interfaces.RequestHandle {
				onError(failure)
				return interfaces.RequestHandle(i + 1)
			})
	}

	var seen []error
	for range failures {
		rpc.SendChunkRequest(&interfaces.SaveFilePart{Bytes: []byte{1}}, func(interfaces.Response) {}, func(err error) { seen = append(seen, err) })
	}

	assert.Equal(t, failures, seen)
	assert.Equal(t, 0, rpc.InFlight(), "synchronously settled requests are not tracked")
	m := nm.GetMetrics()
	assert.Equal(t, uint64(1), m.NetworkErrors)
	assert.Equal(t, uint64(1), m.ProtocolErrors)
}

func TestInstrumentedRPCCancel(t *testing.T) {
	ctrl := gomock.NewController(t)
	next := mocks.NewMockRPC(ctrl)
	rpc := NewInstrumentedRPC(next, NewNetworkMonitor(DefaultThresholds()))

	next.EXPECT().SendChunkRequest(gomock.Any(), gomock.Any(), gomock.Any()).Return(interfaces.RequestHandle(3))
	next.EXPECT().CancelRequest(interfaces.RequestHandle(3))

	h := rpc.SendChunkRequest(&interfaces.SaveFilePart{}, func(interfaces.Response) {}, func(error) {})
	assert.Equal(t, 1, rpc.InFlight())
	rpc.CancelRequest(h)
	assert.Equal(t, 0, rpc.InFlight())
}
