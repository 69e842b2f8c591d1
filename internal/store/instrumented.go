// SPDX-License-Identifier: MIT

package store

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	storeOps = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "loopcast_store_ops_total",
			Help: "Total broadcast store operations",
		},
		[]string{"backend", "op", "result"}, // result=success/error
	)
	storeLat = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "loopcast_store_op_seconds",
			Help:    "Broadcast store operation latency",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"backend", "op"},
	)
)

// instrumentedStore wraps any Store to capture metrics.
type instrumentedStore struct {
	inner   Store
	backend string
}

func NewInstrumentedStore(inner Store, backend string) Store {
	return &instrumentedStore{inner: inner, backend: backend}
}

func (i *instrumentedStore) observe(op string, start time.Time, err error) {
	dur := time.Since(start).Seconds()
	res := "success"
	if err != nil {
		res = "error"
	}
	storeOps.WithLabelValues(i.backend, op, res).Inc()
	storeLat.WithLabelValues(i.backend, op).Observe(dur)
}

func (i *instrumentedStore) PutBroadcast(ctx context.Context, rec *BroadcastRecord) (err error) {
	start := time.Now()
	defer func() { i.observe("put_broadcast", start, err) }()
	return i.inner.PutBroadcast(ctx, rec)
}

func (i *instrumentedStore) GetBroadcast(ctx context.Context, id string) (rec *BroadcastRecord, err error) {
	start := time.Now()
	defer func() { i.observe("get_broadcast", start, err) }()
	return i.inner.GetBroadcast(ctx, id)
}

func (i *instrumentedStore) ListBroadcasts(ctx context.Context) (list []*BroadcastRecord, err error) {
	start := time.Now()
	defer func() { i.observe("list_broadcasts", start, err) }()
	return i.inner.ListBroadcasts(ctx)
}

func (i *instrumentedStore) DeleteBroadcast(ctx context.Context, id string) (err error) {
	start := time.Now()
	defer func() { i.observe("delete_broadcast", start, err) }()
	return i.inner.DeleteBroadcast(ctx, id)
}

func (i *instrumentedStore) UpdateStatus(ctx context.Context, id string, status Status, errorMessage string) (err error) {
	start := time.Now()
	defer func() { i.observe("update_status", start, err) }()
	return i.inner.UpdateStatus(ctx, id, status, errorMessage)
}

func (i *instrumentedStore) StatusHistory(ctx context.Context, id string, limit int) (hist []StatusChange, err error) {
	start := time.Now()
	defer func() { i.observe("status_history", start, err) }()
	return i.inner.StatusHistory(ctx, id, limit)
}

func (i *instrumentedStore) Close() error {
	return i.inner.Close()
}
