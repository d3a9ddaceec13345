package view_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/capitalize-ai/chatsync/internal/view"
)

func TestViewNotifiesOnSet(t *testing.T) {
	v := view.New([]string{})
	changed := v.Changed()

	select {
	case <-changed:
		t.Fatal("changed before Set")
	default:
	}

	v.Set([]string{"a"})

	select {
	case <-changed:
	case <-time.After(time.Second):
		t.Fatal("waiter not woken")
	}

	got, version := v.Snapshot()
	assert.Equal(t, []string{"a"}, got)
	assert.Equal(t, uint64(1), version)
}

func TestViewChangedIsFreshAfterSet(t *testing.T) {
	v := view.New(0)
	v.Set(1)
	next := v.Changed()
	select {
	case <-next:
		t.Fatal("new channel already closed")
	default:
	}
	assert.Equal(t, 1, v.Get())
}
