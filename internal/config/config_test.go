package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFromYAMLFillsDefaults(t *testing.T) {
	cfg, err := FromYAML([]byte(`
identity:
  url: http://identity.local/profiles
event_sink:
  url: http://sink.local/publish
  topic: tracker
smtp:
  host: mail.local
  from: noreply@local
`))
	require.NoError(t, err)
	assert.Equal(t, "http://identity.local/profiles", cfg.Identity.URL)
	assert.Equal(t, "tracker", cfg.EventSink.Topic)
	// untouched sections keep their defaults
	assert.Equal(t, 4, cfg.Dispatch.Workers)
	assert.Equal(t, 60*time.Minute, cfg.SweepLookahead())
	assert.Equal(t, 5*time.Minute, cfg.IdentityCacheTTL())
}

func TestValidateRejectsBadValues(t *testing.T) {
	cfg := Default()
	cfg.Dispatch.Workers = 0
	assert.Error(t, cfg.Validate())

	cfg = Default()
	cfg.EventSink.URL = "http://sink.local"
	cfg.EventSink.Topic = ""
	assert.Error(t, cfg.Validate())

	cfg = Default()
	cfg.SMTP.Host = "mail.local"
	cfg.SMTP.From = ""
	assert.Error(t, cfg.Validate())

	assert.NoError(t, Default().Validate())
}
