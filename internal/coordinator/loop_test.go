package coordinator

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestLoopOrdering(t *testing.T) {
	l := newLoop()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go l.run(ctx)

	results := make(chan int, 3)
	l.post(false, func() { results <- 1 })
	l.post(true, func() { results <- 2 })
	l.post(false, func() { results <- 3 })

	for want := 1; want <= 3; want++ {
		assert.Equal(t, want, <-results)
	}
}

func TestLoopShedsOldestMouseMove(t *testing.T) {
	l := newLoop()
	// Not running yet, so everything queues up.

	executed := make(chan string, loopCapacity+8)
	for i := 0; i < loopCapacity; i++ {
		if i == 0 {
			l.post(true, func() { executed <- "first-move" })
		} else {
			l.post(true, func() { executed <- "move" })
		}
	}
	// Overflow with a key event: the oldest pending move gives way.
	l.post(false, func() { executed <- "key" })

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go l.run(ctx)

	done := make(chan struct{})
	l.post(false, func() { close(done) })
	<-done
	close(executed)

	var sawFirstMove, sawKey bool
	count := 0
	for label := range executed {
		count++
		switch label {
		case "first-move":
			sawFirstMove = true
		case "key":
			sawKey = true
		}
	}
	// The key displaced one move and the drain fence displaced another.
	assert.False(t, sawFirstMove, "the oldest mouse move is shed first")
	assert.True(t, sawKey, "key events are never dropped")
	assert.Equal(t, loopCapacity-1, count)
}

func TestLoopDropsIncomingMoveWhenFullOfKeys(t *testing.T) {
	l := newLoop()

	executed := make(chan string, loopCapacity+8)
	for i := 0; i < loopCapacity; i++ {
		l.post(false, func() { executed <- "key" })
	}
	l.post(true, func() { executed <- "move" })

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go l.run(ctx)

	done := make(chan struct{})
	l.post(false, func() { close(done) })
	<-done
	close(executed)

	for label := range executed {
		assert.NotEqual(t, "move", label, "moves are shed when the queue is all key events")
	}
}
