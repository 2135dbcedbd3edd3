package twin

import (
	"encoding/json"
	"log"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeConn struct {
	published  []fakePublish
	subscribed []string
}

type fakePublish struct {
	topic   string
	payload []byte
}

func (f *fakeConn) Publish(topic string, payload []byte, _ byte, _ bool) error {
	f.published = append(f.published, fakePublish{topic: topic, payload: payload})
	return nil
}
func (f *fakeConn) Subscribe(topic string, _ byte) error { f.subscribed = append(f.subscribed, topic); return nil }

type fakeClock struct{ now time.Time }

func (c *fakeClock) Now() time.Time { return c.now }

func newTestAdapter(t *testing.T) (*Adapter, *fakeConn, string, string) {
	t.Helper()
	dir := t.TempDir()
	configPath := filepath.Join(dir, "applied_config.json")
	errPath := filepath.Join(dir, "twin_error.json")
	fc := &fakeConn{}
	a := New(fc, &fakeClock{now: time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)}, log.New(os.Stderr, "", 0), configPath, errPath)
	require.NoError(t, a.Init())
	assert.Contains(t, fc.subscribed, "twin/res/#")
	assert.Contains(t, fc.subscribed, "twin/PATCH/properties/desired/#")
	return a, fc, configPath, errPath
}

// TestAdapter_S2FullTwinApply mirrors spec.md's S2 scenario: a GET response
// carrying a full twin document is parsed, applied atomically, and
// acknowledged.
func TestAdapter_S2FullTwinApply(t *testing.T) {
	a, fc, configPath, _ := newTestAdapter(t)

	var results []ApplyResult
	a.OnConfigUpdate(func(r ApplyResult, _ map[string]any) { results = append(results, r) })

	require.NoError(t, a.RequestFullTwin("1"))
	assert.Equal(t, "twin/GET/?rid=1", fc.published[0].topic)

	full := map[string]any{
		"desired": map[string]any{
			"$version": 7,
			"config": map[string]any{
				"config_version":         7,
				"reporting_interval_sec": 30,
			},
		},
	}
	payload, _ := json.Marshal(full)
	a.HandleMessage("twin/res/200/?rid=1", payload)

	require.Len(t, results, 1)
	assert.Equal(t, StatusSuccess, results[0].Status)
	assert.Equal(t, "7", results[0].Version)
	assert.True(t, results[0].HasChanges)

	raw, err := os.ReadFile(configPath)
	require.NoError(t, err)
	var applied map[string]any
	require.NoError(t, json.Unmarshal(raw, &applied))
	_, hasVersionKey := applied["$version"]
	assert.False(t, hasVersionKey, "metadata keys must be stripped before persisting")
	cfg := applied["config"].(map[string]any)
	assert.Equal(t, float64(30), cfg["reporting_interval_sec"])

	require.Len(t, fc.published, 2, "a reported ack should follow the apply")
	assert.Equal(t, "twin/PATCH/properties/reported/?rid=2", fc.published[1].topic)
	var ack map[string]any
	require.NoError(t, json.Unmarshal(fc.published[1].payload, &ack))
	ackConfig := ack["config"].(map[string]any)
	assert.Equal(t, "ok", ackConfig["status"])
	assert.Equal(t, "7", ackConfig["config_version"])
}

// TestAdapter_S3DesiredPatch mirrors spec.md's S3 scenario: an unsolicited
// desired-properties PATCH arrives and must be applied the same way as a
// GET response.
func TestAdapter_S3DesiredPatch(t *testing.T) {
	a, fc, configPath, _ := newTestAdapter(t)

	var results []ApplyResult
	a.OnConfigUpdate(func(r ApplyResult, _ map[string]any) { results = append(results, r) })

	patch := map[string]any{
		"$version": 8,
		"reporting": map[string]any{
			"heartbeat_sec": 15,
		},
	}
	payload, _ := json.Marshal(patch)
	a.HandleMessage("twin/PATCH/properties/desired/?rid=3", payload)

	require.Len(t, results, 1)
	assert.Equal(t, StatusSuccess, results[0].Status)
	assert.Equal(t, "8", results[0].Version)

	raw, err := os.ReadFile(configPath)
	require.NoError(t, err)
	var applied map[string]any
	require.NoError(t, json.Unmarshal(raw, &applied))
	reporting := applied["reporting"].(map[string]any)
	assert.Equal(t, float64(15), reporting["heartbeat_sec"])

	require.Len(t, fc.published, 1)
	var ack map[string]any
	require.NoError(t, json.Unmarshal(fc.published[0].payload, &ack))
	assert.Equal(t, "ok", ack["status"])
	reportingAck := ack["reporting_ack"].(map[string]any)
	assert.Equal(t, "ok", reportingAck["status"])
}

func TestAdapter_NoContentAck(t *testing.T) {
	a, _, _, _ := newTestAdapter(t)

	var gotRid string
	var gotStatus Status
	a.OnResponse(func(rid string, status Status, err error) {
		gotRid = rid
		gotStatus = status
		require.NoError(t, err)
	})

	require.NoError(t, a.SendReported("9", []byte(`{"config":{"status":"ok"}}`)))
	a.HandleMessage("twin/res/204/?rid=9", nil)

	assert.Equal(t, "9", gotRid)
	assert.Equal(t, StatusSuccess, gotStatus)
}

func TestAdapter_MalformedResponseWritesErrorFile(t *testing.T) {
	a, _, _, errPath := newTestAdapter(t)

	a.HandleMessage("twin/res/200/?rid=5", []byte("{not json"))

	raw, err := os.ReadFile(errPath)
	require.NoError(t, err)
	var rec map[string]any
	require.NoError(t, json.Unmarshal(raw, &rec))
	assert.Contains(t, rec["rawPayload"], "not json")
}

func TestAdapter_ApplyIsIdempotentOnRepeatedVersion(t *testing.T) {
	a, _, _, _ := newTestAdapter(t)

	var results []ApplyResult
	a.OnConfigUpdate(func(r ApplyResult, _ map[string]any) { results = append(results, r) })

	desired := map[string]any{"$version": 1, "config": map[string]any{"config_version": 1}}
	payload, _ := json.Marshal(desired)
	a.HandleMessage("twin/PATCH/properties/desired/?rid=1", payload)
	a.HandleMessage("twin/PATCH/properties/desired/?rid=2", payload)

	require.Len(t, results, 2)
	assert.True(t, results[0].HasChanges)
	assert.False(t, results[1].HasChanges, "reapplying the same version must not be reported as a change")
}

func TestParseResponseTopic(t *testing.T) {
	status, rid := parseResponseTopic("twin/res/200/?rid=42")
	assert.Equal(t, 200, status)
	assert.Equal(t, "42", rid)

	status, rid = parseResponseTopic("twin/res/204/?rid=7&extra=1")
	assert.Equal(t, 204, status)
	assert.Equal(t, "7", rid)
}
