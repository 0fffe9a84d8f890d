package registry

import (
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefault_ContainsBuiltInTopics(t *testing.T) {
	r, err := Default()
	require.NoError(t, err)

	var topics []string
	for _, e := range r.Entries() {
		topics = append(topics, e.Topic)
	}
	assert.Equal(t, []string{"billing", "tech", "returns", "general"}, topics)

	billing, ok := r.Enabled("billing")
	require.True(t, ok)
	assert.Contains(t, billing.Keywords, "charged")
	assert.Equal(t, "generative", billing.Handler)
	assert.NotEmpty(t, billing.ToolNames)
}

func TestNew_Validation(t *testing.T) {
	_, err := New([]Entry{{Topic: "billing", Enabled: true}})
	assert.Error(t, err, "general entry is mandatory")

	_, err = New([]Entry{{Topic: "general", Enabled: false}})
	assert.Error(t, err, "general entry must be enabled")

	_, err = New([]Entry{{Topic: "general", Enabled: true}, {Topic: "General", Enabled: true}})
	assert.Error(t, err, "topics are case-insensitive and unique")

	_, err = New([]Entry{{Topic: " ", Enabled: true}})
	assert.Error(t, err)
}

func TestNew_NormalisesEntries(t *testing.T) {
	r, err := New([]Entry{
		{Topic: " Billing ", Keywords: []string{" Refund", "", "INVOICE"}, Enabled: true},
		{Topic: "general", Enabled: true},
	})
	require.NoError(t, err)

	e, ok := r.Lookup("BILLING")
	require.True(t, ok)
	assert.Equal(t, "billing", e.Topic)
	assert.Equal(t, "billing", e.DisplayName)
	assert.Equal(t, []string{"refund", "invoice"}, e.Keywords)
}

func TestEnabled_SkipsDisabled(t *testing.T) {
	r, err := New([]Entry{
		{Topic: "returns", Enabled: false},
		{Topic: "general", Enabled: true},
	})
	require.NoError(t, err)

	_, ok := r.Enabled("returns")
	assert.False(t, ok)
	_, ok = r.Lookup("returns")
	assert.True(t, ok)
	_, ok = r.Enabled("unknown")
	assert.False(t, ok)
}

func TestLoad_FromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "registry.yaml")
	data := []byte(`registry:
  - topic: warranty
    display_name: Warranty
    enabled: true
    handler: generative
    keywords: [warranty, guarantee]
  - topic: general
    enabled: true
    handler: generative
`)
	require.NoError(t, os.WriteFile(path, data, 0o600))

	r, err := Load(path)
	require.NoError(t, err)

	e, ok := r.Enabled("warranty")
	require.True(t, ok)
	assert.Equal(t, []string{"warranty", "guarantee"}, e.Keywords)

	_, err = Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestHolder_ReplaceIsAtomic(t *testing.T) {
	first, err := Default()
	require.NoError(t, err)
	second, err := New([]Entry{{Topic: "general", Enabled: true}})
	require.NoError(t, err)

	h := NewHolder(first)
	assert.Same(t, first, h.Current())

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			r := h.Current()
			_, ok := r.Enabled("general")
			assert.True(t, ok)
		}()
	}
	h.Replace(second)
	wg.Wait()

	assert.Same(t, second, h.Current())
}

func TestMatchedKeywords(t *testing.T) {
	r, err := New([]Entry{
		{Topic: "tech", Enabled: true, Keywords: []string{" Crash ", "wi-fi", "log in"}},
		{Topic: "general", Enabled: true},
	})
	require.NoError(t, err)

	assert.Equal(t, []string{"crash", "log in"}, r.MatchedKeywords("tech", "the app may crash when i log in"))
	assert.Equal(t, []string{"wi-fi"}, r.MatchedKeywords("TECH", "my wi-fi drops"))
	assert.Empty(t, r.MatchedKeywords("tech", "crashed while logging in"), "whole words only")
	assert.Empty(t, r.MatchedKeywords("general", "crash"))
	assert.Nil(t, r.MatchedKeywords("missing", "crash"))
}
