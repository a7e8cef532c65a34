package registry

import (
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRegistry(t *testing.T) {
	t.Run("join returns members", func(t *testing.T) {
		r := New()
		assert.Equal(t, []string{"a"}, r.Join("P1", "a", Native))
		assert.Equal(t, []string{"a", "b"}, r.Join("P1", "b", Stream))
		assert.Equal(t, []string{"a", "b"}, r.Join("P1", "b", Stream), "join is idempotent")

		assert.Equal(t, []Member{
			{ClientID: "a", Transport: Native},
			{ClientID: "b", Transport: Stream},
		}, r.Members("P1"))
	})

	t.Run("leave", func(t *testing.T) {
		r := New()
		r.Join("P1", "a", Native)
		r.Join("P1", "b", Native)

		remaining, left := r.Leave("P1", "a")
		assert.True(t, left)
		assert.Equal(t, []string{"b"}, remaining)

		remaining, left = r.Leave("P1", "a")
		assert.False(t, left)
		assert.Equal(t, []string{"b"}, remaining)

		_, left = r.Leave("P1", "b")
		assert.True(t, left)
		assert.Equal(t, Stats{}, r.Stats())
	})

	t.Run("leave all", func(t *testing.T) {
		r := New()
		r.Join("P1", "a", Native)
		r.Join("P2", "a", Native)
		r.Join("P2", "b", Stream)
		r.Join("P3", "b", Stream)

		affected := r.LeaveAll("a")
		assert.Equal(t, map[string][]string{
			"P1": {},
			"P2": {"b"},
		}, affected)
		assert.Empty(t, r.Projects("a"))
		assert.Equal(t, []string{"P2", "P3"}, r.Projects("b"))
		assert.Empty(t, r.LeaveAll("a"))
	})

	t.Run("unknown project", func(t *testing.T) {
		r := New()
		assert.Empty(t, r.Members("nope"))
		assert.Empty(t, r.MemberIDs("nope"))
	})

	t.Run("reset", func(t *testing.T) {
		r := New()
		r.Join("P1", "a", Native)
		r.Reset()
		assert.Equal(t, Stats{}, r.Stats())
	})
}

func TestRegistryConcurrentAccess(t *testing.T) {
	r := New()
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			client := fmt.Sprintf("c%d", i)
			for p := 0; p < 5; p++ {
				r.Join(fmt.Sprintf("P%d", p), client, Native)
				_ = r.Members(fmt.Sprintf("P%d", p))
			}
			if i%2 == 0 {
				r.LeaveAll(client)
			}
		}(i)
	}
	wg.Wait()

	assert.Equal(t, Stats{Projects: 5, Clients: 10}, r.Stats())
	for p := 0; p < 5; p++ {
		assert.Len(t, r.MemberIDs(fmt.Sprintf("P%d", p)), 10)
	}
}
