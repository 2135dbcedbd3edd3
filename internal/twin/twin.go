// Package twin adapts the device-twin protocol: request/patch over MQTT,
// parse and validate desired-property documents, apply them atomically to
// a local file, and acknowledge back to the hub.
package twin

import (
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/Afulu-M/mqtt-tracker-simulator/internal/clock"
)

const (
	responseTopicPrefix = "twin/res/"
	patchTopicPrefix    = "twin/PATCH/properties/desired/"
	getTopicTemplate    = "twin/GET/?rid=%s"
	reportedTopicTmpl   = "twin/PATCH/properties/reported/?rid=%s"

	ackRidGet   = "2"
	ackRidPatch = "3"
)

var knownTopLevelKeys = []string{"config", "reporting", "modes", "ota", "telemetry", "device"}

// Conn is the subset of the hub transport the twin adapter needs. It
// deliberately does not include OnMessage: the hub transport's message
// callback is a single slot shared with cloud-to-device command
// dispatch, so the owner of that slot (connmgr, or the composition root
// on the legacy path) multiplexes by topic and calls HandleMessage
// directly instead of letting the adapter register itself.
type Conn interface {
	Publish(topic string, payload []byte, qos byte, retained bool) error
	Subscribe(topic string, qos byte) error
}

// Status describes the outcome of processing a twin response or apply.
type Status string

const (
	StatusSuccess        Status = "Success"
	StatusJSONParseError Status = "JsonParseError"
	StatusFileWriteError Status = "FileWriteError"
	StatusInvalidResponse Status = "InvalidResponse"
)

// Error is a typed twin failure.
type Error struct {
	Status     Status
	HTTPStatus int
	Message    string
}

func (e *Error) Error() string {
	if e.HTTPStatus != 0 {
		return fmt.Sprintf("twin: %s (http=%d): %s", e.Status, e.HTTPStatus, e.Message)
	}
	return fmt.Sprintf("twin: %s: %s", e.Status, e.Message)
}

// ApplyResult is delivered to the config-update observer after every
// successful or failed apply.
type ApplyResult struct {
	Status     Status
	Version    string
	AppliedAt  string
	HasChanges bool
	Err        error
}

// ConfigUpdateFunc observes every apply attempt along with the desired
// document (pre-cleaning) that produced it.
type ConfigUpdateFunc func(result ApplyResult, desired map[string]any)

// ResponseFunc observes the outcome of each request/response exchange
// keyed by rid, independent of the config-update observer.
type ResponseFunc func(rid string, status Status, err error)

// Adapter is the twin protocol state: one in-memory version plus two
// files it owns exclusively.
type Adapter struct {
	conn   Conn
	clock  clock.Clock
	logger *log.Logger

	appliedConfigPath string
	errorFilePath     string

	mu                   sync.Mutex
	initialized          bool
	currentConfigVersion string

	onConfigUpdate ConfigUpdateFunc
	onResponse     ResponseFunc
}

// New builds an adapter bound to the given hub connection. appliedConfigPath
// and errorFilePath are this adapter's sole persistent state.
func New(conn Conn, c clock.Clock, logger *log.Logger, appliedConfigPath, errorFilePath string) *Adapter {
	a := &Adapter{
		conn:                  conn,
		clock:                 c,
		logger:                logger,
		appliedConfigPath:     appliedConfigPath,
		errorFilePath:         errorFilePath,
		currentConfigVersion:  "unknown",
	}
	return a
}

// NewRequestID generates a correlation id for a RequestFullTwin or
// SendReported call that has no caller-chosen rid of its own (e.g. the
// one-off full-twin request issued right after the hub session comes
// up).
func NewRequestID() string {
	return uuid.NewString()
}

// OnConfigUpdate registers the config-update observer.
func (a *Adapter) OnConfigUpdate(f ConfigUpdateFunc) { a.onConfigUpdate = f }

// OnResponse registers the request/response observer.
func (a *Adapter) OnResponse(f ResponseFunc) { a.onResponse = f }

// Init subscribes to the twin response and desired-patch topics. Must be
// called after the hub transport is connected.
func (a *Adapter) Init() error {
	if err := a.conn.Subscribe(responseTopicPrefix+"#", 0); err != nil {
		return err
	}
	if err := a.conn.Subscribe(patchTopicPrefix+"#", 0); err != nil {
		return err
	}
	a.initialized = true
	return nil
}

// CurrentConfigVersion returns the last successfully applied version.
func (a *Adapter) CurrentConfigVersion() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.currentConfigVersion
}

// RequestFullTwin publishes an empty GET.
func (a *Adapter) RequestFullTwin(rid string) error {
	return a.conn.Publish(fmt.Sprintf(getTopicTemplate, rid), nil, 0, false)
}

// SendReported publishes a reported-properties PATCH.
func (a *Adapter) SendReported(rid string, payload []byte) error {
	return a.conn.Publish(fmt.Sprintf(reportedTopicTmpl, rid), payload, 0, false)
}

// HandleMessage processes one inbound message already identified by its
// caller as twin-addressed (a "twin/" topic). The caller — connmgr on
// the DPS path, the composition root directly on the legacy path — owns
// the transport's single message slot and dispatches to this method
// instead of letting the adapter register itself on it.
func (a *Adapter) HandleMessage(topic string, payload []byte) {
	switch {
	case strings.HasPrefix(topic, responseTopicPrefix):
		a.handleResponse(topic, payload)
	case strings.HasPrefix(topic, patchTopicPrefix):
		a.handlePatch(payload)
	}
}

// handleResponse parses the `twin/res/<status>/?rid=<rid>[&...]` grammar
// with a small hand-rolled tokenizer rather than a regex dependency (see
// DESIGN.md's internal/twin entry).
func (a *Adapter) handleResponse(topic string, payload []byte) {
	status, rid := parseResponseTopic(topic)

	switch status {
	case 204:
		a.notifyResponse(rid, StatusSuccess, nil)
		return
	case 200:
		a.applyGetResponse(rid, payload)
		return
	default:
		err := &Error{Status: StatusInvalidResponse, HTTPStatus: status, Message: "twin request failed"}
		a.notifyResponse(rid, StatusInvalidResponse, err)
	}
}

func parseResponseTopic(topic string) (status int, rid string) {
	rest := strings.TrimPrefix(topic, responseTopicPrefix)
	slash := strings.IndexByte(rest, '/')
	statusStr := rest
	if slash >= 0 {
		statusStr = rest[:slash]
	}
	status, _ = strconv.Atoi(statusStr)

	if idx := strings.Index(topic, "rid="); idx >= 0 {
		remainder := topic[idx+len("rid="):]
		for i := 0; i < len(remainder); i++ {
			if remainder[i] == '&' || remainder[i] == '/' || remainder[i] == '?' {
				return status, remainder[:i]
			}
		}
		return status, remainder
	}
	return status, ""
}

func (a *Adapter) applyGetResponse(rid string, payload []byte) {
	var full map[string]any
	if err := json.Unmarshal(payload, &full); err != nil {
		a.writeErrorFile(payload, err)
		a.notifyResponse(rid, StatusJSONParseError, &Error{Status: StatusJSONParseError, Message: err.Error()})
		return
	}

	desired, ok := extractDesired(full)
	if !ok {
		err := &Error{Status: StatusInvalidResponse, Message: "twin response missing desired properties"}
		a.notifyResponse(rid, StatusInvalidResponse, err)
		return
	}

	result := a.apply(desired, ackRidGet)
	a.notifyResponse(rid, result.Status, result.Err)
}

func (a *Adapter) handlePatch(payload []byte) {
	var desired map[string]any
	if err := json.Unmarshal(payload, &desired); err != nil {
		a.writeErrorFile(payload, err)
		return
	}
	a.apply(desired, ackRidPatch)
}

func extractDesired(full map[string]any) (map[string]any, bool) {
	if d, ok := full["desired"].(map[string]any); ok {
		return d, true
	}
	if props, ok := full["properties"].(map[string]any); ok {
		if d, ok := props["desired"].(map[string]any); ok {
			return d, true
		}
	}
	return nil, false
}

// apply implements the twin apply algorithm: extract version, detect
// change, strip metadata, write atomically, ack, and notify — in that
// order, so the reported-PATCH publish never precedes a successful file
// write (spec.md §5 ordering invariant).
func (a *Adapter) apply(desired map[string]any, ackRid string) ApplyResult {
	if !hasKnownStructure(desired) {
		a.logger.Printf("twin: desired properties have no recognized top-level keys, applying anyway")
	}

	version := extractVersion(desired)
	appliedAt := clock.ISO8601(a.clock.Now())

	a.mu.Lock()
	hasChanges := version != a.currentConfigVersion
	a.mu.Unlock()

	cleaned := stripMetadata(desired)
	buf, err := json.MarshalIndent(cleaned, "", "  ")
	if err != nil {
		result := ApplyResult{Status: StatusJSONParseError, Version: version, AppliedAt: appliedAt, Err: err}
		a.notifyConfigUpdate(result, desired)
		return result
	}

	if err := atomicWriteFile(a.appliedConfigPath, buf); err != nil {
		result := ApplyResult{Status: StatusFileWriteError, Version: version, AppliedAt: appliedAt, Err: err}
		a.notifyConfigUpdate(result, desired)
		return result
	}

	a.mu.Lock()
	a.currentConfigVersion = version
	a.mu.Unlock()

	ack := buildReportedAck(desired, version, appliedAt, true)
	ackPayload, _ := json.Marshal(ack)
	if err := a.SendReported(ackRid, ackPayload); err != nil {
		a.logger.Printf("twin: failed to send reported ack rid=%s: %v", ackRid, err)
	}

	result := ApplyResult{Status: StatusSuccess, Version: version, AppliedAt: appliedAt, HasChanges: hasChanges}
	a.notifyConfigUpdate(result, desired)
	return result
}

func (a *Adapter) notifyConfigUpdate(result ApplyResult, desired map[string]any) {
	if a.onConfigUpdate != nil {
		a.onConfigUpdate(result, desired)
	}
}

func (a *Adapter) notifyResponse(rid string, status Status, err error) {
	if a.onResponse != nil {
		a.onResponse(rid, status, err)
	}
}

func hasKnownStructure(desired map[string]any) bool {
	for _, k := range knownTopLevelKeys {
		if _, ok := desired[k]; ok {
			return true
		}
	}
	for k := range desired {
		if !strings.HasPrefix(k, "$") {
			return true
		}
	}
	return false
}

// extractVersion prefers $version, falls back to config.config_version,
// else "unknown". Both candidates may arrive as JSON numbers.
func extractVersion(desired map[string]any) string {
	if v, ok := desired["$version"]; ok {
		return numberToString(v)
	}
	if cfg, ok := desired["config"].(map[string]any); ok {
		if v, ok := cfg["config_version"]; ok {
			return numberToString(v)
		}
	}
	return "unknown"
}

func numberToString(v any) string {
	switch n := v.(type) {
	case float64:
		return strconv.FormatInt(int64(n), 10)
	case string:
		return n
	default:
		return fmt.Sprintf("%v", n)
	}
}

func stripMetadata(desired map[string]any) map[string]any {
	cleaned := make(map[string]any, len(desired))
	for k, v := range desired {
		if k == "$version" || k == "$metadata" {
			continue
		}
		cleaned[k] = v
	}
	return cleaned
}

// buildReportedAck mirrors the two ack shapes spec.md §4.5 describes: a
// nested "config" ack when the input carries a config object, otherwise a
// flat ack with per-group stub acknowledgments.
func buildReportedAck(desired map[string]any, version, appliedAt string, ok bool) map[string]any {
	status := "ok"
	if !ok {
		status = "error"
	}

	if cfg, has := desired["config"].(map[string]any); has {
		configAck := map[string]any{
			"applied_at": appliedAt,
			"status":     status,
		}
		if version != "" && version != "unknown" {
			configAck["config_version"] = version
		}
		if v, ok := cfg["reporting_interval_sec"]; ok {
			configAck["reporting_interval_sec"] = v
		}
		if v, ok := cfg["feature_high_rate"]; ok {
			configAck["feature_high_rate"] = v
		}
		return map[string]any{"config": configAck}
	}

	ack := map[string]any{
		"applied_at":     appliedAt,
		"status":         status,
		"config_version": version,
	}
	for _, group := range []string{"reporting", "modes", "ota"} {
		if _, has := desired[group]; has {
			ack[group+"_ack"] = map[string]any{"applied_at": appliedAt, "status": "ok"}
		}
	}
	return ack
}

// atomicWriteFile writes to a sibling temp path then renames into place,
// so a crash mid-write never leaves a half-applied config file.
func atomicWriteFile(path string, data []byte) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmpName, path)
}

type errorRecord struct {
	Timestamp  string `json:"timestamp"`
	DeviceID   string `json:"deviceId"`
	Error      string `json:"error"`
	RawPayload string `json:"rawPayload"`
}

func (a *Adapter) writeErrorFile(raw []byte, cause error) {
	rec := errorRecord{
		Timestamp:  clock.ISO8601(a.clock.Now()),
		Error:      cause.Error(),
		RawPayload: string(raw),
	}
	buf, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		a.logger.Printf("twin: failed to marshal error record: %v", err)
		return
	}
	if err := os.WriteFile(a.errorFilePath, buf, 0o644); err != nil {
		a.logger.Printf("twin: failed to write error file: %v", err)
	}
}
