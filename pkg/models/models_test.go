package models

import (
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/crawlkit/taskcrawl/pkg/codematch"
)

func TestRequest_WithRetryDoesNotMutate(t *testing.T) {
	orig := NewRequest("https://example.com/a")
	retried := orig.WithRetry(2)

	assert.Equal(t, 0, orig.RetryCount)
	assert.Equal(t, 2, retried.RetryCount)
	assert.Equal(t, orig.URL, retried.URL)
	assert.Equal(t, "GET", retried.Method)
}

func TestRequest_Child(t *testing.T) {
	parent := Request{URL: "https://example.com/", Method: "POST", Priority: 3, Depth: 2, RetryCount: 1}
	child := parent.Child("https://example.com/next")

	assert.Equal(t, "https://example.com/next", child.URL)
	assert.Equal(t, "GET", child.Method)
	assert.Equal(t, 3, child.Depth)
	assert.Equal(t, 3, child.Priority)
	assert.Zero(t, child.RetryCount, "child starts without retry bookkeeping")
}

func TestRequest_IsPost(t *testing.T) {
	assert.True(t, Request{Method: "POST"}.IsPost())
	assert.True(t, Request{Method: "post"}.IsPost())
	assert.False(t, Request{Method: "GET"}.IsPost())
	assert.False(t, Request{}.IsPost())
}

func TestSite_SetDomainIfEmpty(t *testing.T) {
	site := NewSite("")
	assert.Equal(t, "", site.Domain())
	assert.False(t, site.SetDomainIfEmpty(""))

	var wg sync.WaitGroup
	var mu sync.Mutex
	wins := 0
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if site.SetDomainIfEmpty("example.com") {
				mu.Lock()
				wins++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, wins)
	assert.Equal(t, "example.com", site.Domain())
	assert.False(t, site.SetDomainIfEmpty("other.org"))
}

func TestSite_Accepts(t *testing.T) {
	site := NewSite("example.com")
	assert.True(t, site.Accepts(200))
	assert.False(t, site.Accepts(301))

	m, err := codematch.Compile("200-299,301")
	require.NoError(t, err)
	site.AcceptCodes = m
	assert.True(t, site.Accepts(301))
	assert.False(t, site.Accepts(404))
}

func TestNewTask(t *testing.T) {
	a := NewTask("docs", NewSite(""))
	b := NewTask("docs", NewSite(""))
	assert.NotEmpty(t, a.ID)
	assert.NotEqual(t, a.ID, b.ID)
	assert.Equal(t, "docs", a.Name)
	assert.WithinDuration(t, time.Now(), a.CreatedAt, time.Second)
}

func TestPageDBEntry_OmitEmpty(t *testing.T) {
	entry := PageDBEntry{
		Status:      PageStatusPending,
		LastAttempt: time.Now().UTC(),
	}

	data, err := json.Marshal(entry)
	require.NoError(t, err)

	raw := string(data)
	assert.NotContains(t, raw, "error_type")
	assert.NotContains(t, raw, "content_hash")
	assert.Contains(t, raw, `"status":"pending"`)
}
