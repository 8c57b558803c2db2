package main

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.oxbow.dev/core/coordinator"
	"go.oxbow.dev/core/frontier"
)

func TestFabricTickReportsWithoutHoldingLock(t *testing.T) {
	var fabric = newLoopbackFabric(nil, nil, 1)
	var coord = coordinator.NewCoordinator(nil, fabric, time.Now)
	var svc, err = coordinator.NewService(coord, coordinator.ServiceConfig{
		LivenessTimeout: time.Minute,
		SweepInterval:   time.Minute,
	})
	require.NoError(t, err)
	fabric.svc = svc

	var replica = fabric.replicas[0]
	fabric.SetTarget(replica, "view", frontier.At(9000))

	// Fill the service inbox to its capacity, so the tick's report blocks.
	for i := 0; i != 1024; i++ {
		svc.ReportHydrated("view", replica, true)
	}

	var ticked = make(chan struct{})
	go func() {
		fabric.tick(100)
		close(ticked)
	}()

	// A tick blocked on the full inbox must not wedge the fabric: the
	// reducer remains able to issue targets, which need the same mutex.
	var set = make(chan struct{})
	go func() {
		fabric.SetTarget(replica, "other", frontier.At(17000))
		close(set)
	}()
	select {
	case <-set:
	case <-time.After(5 * time.Second):
		t.Fatal("SetTarget blocked behind a stalled tick")
	}

	// Drain the inbox; the tick completes.
	var ctx, cancel = context.WithCancel(context.Background())
	var done = make(chan error, 1)
	go func() { done <- svc.Run(ctx) }()

	select {
	case <-ticked:
	case <-time.After(5 * time.Second):
		t.Fatal("tick did not complete after inbox drain")
	}
	cancel()
	require.NoError(t, <-done)
}
