// Package session re-establishes an authenticated session after a process
// restart, subject to inactivity, age and device-binding checks.
package session

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/go-logr/logr"

	"github.com/layer-3/credkeeper/core"
	"github.com/layer-3/credkeeper/internal/clock"
	"github.com/layer-3/credkeeper/metrics"
	"github.com/layer-3/credkeeper/ports"
	"github.com/layer-3/credkeeper/service/securestore"
)

// KeySession is the secure store key of the session record
const KeySession = "credkeeper.session"

const (
	DefaultMaxInactivity = 7 * 24 * time.Hour
	DefaultMaxSessionAge = 30 * 24 * time.Hour

	// touchInterval throttles activity writes
	touchInterval = time.Minute
)

// Restoration results, used as metric labels
const (
	resultRestored = "restored"
	resultRejected = "rejected"
	resultAbsent   = "absent"
)

// Credentials is the part of the lifecycle manager restoration depends on
type Credentials interface {
	// CheckRenewal reports whether a usable renewal credential is stored,
	// without prompting
	CheckRenewal(ctx context.Context) error
	Clear(ctx context.Context) error
}

// EventLogger receives security events
type EventLogger interface {
	LogSecurityEvent(ctx context.Context, event core.SecurityEvent)
}

// Config tunes restoration
type Config struct {
	MaxInactivity time.Duration
	MaxSessionAge time.Duration
	// DeviceBinding rejects sessions saved on a device with different
	// characteristics
	DeviceBinding bool
}

// DefaultConfig returns 7 days of inactivity, 30 days of age, device binding on
func DefaultConfig() Config {
	return Config{
		MaxInactivity: DefaultMaxInactivity,
		MaxSessionAge: DefaultMaxSessionAge,
		DeviceBinding: true,
	}
}

// Coordinator owns the session record
type Coordinator struct {
	store       *securestore.Store
	credentials Credentials
	device      ports.DeviceInfo
	events      EventLogger
	clock       clock.Clock
	cfg         Config
	log         logr.Logger
	metrics     *metrics.Metrics
}

// NewCoordinator creates a coordinator. m may be nil.
func NewCoordinator(
	store *securestore.Store,
	credentials Credentials,
	device ports.DeviceInfo,
	events EventLogger,
	clk clock.Clock,
	cfg Config,
	log logr.Logger,
	m *metrics.Metrics,
) *Coordinator {
	if cfg.MaxInactivity <= 0 {
		cfg.MaxInactivity = DefaultMaxInactivity
	}
	if cfg.MaxSessionAge <= 0 {
		cfg.MaxSessionAge = DefaultMaxSessionAge
	}
	return &Coordinator{
		store:       store,
		credentials: credentials,
		device:      device,
		events:      events,
		clock:       clk,
		cfg:         cfg,
		log:         log.WithName("session"),
		metrics:     m,
	}
}

// Fingerprint is the SHA-256 hex digest of the sorted device
// characteristics. It is a recognition heuristic, not a security boundary.
func Fingerprint(characteristics map[string]string) string {
	keys := make([]string, 0, len(characteristics))
	for k := range characteristics {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	for _, k := range keys {
		b.WriteString(k)
		b.WriteByte('=')
		b.WriteString(characteristics[k])
		b.WriteByte('\n')
	}
	sum := sha256.Sum256([]byte(b.String()))
	return hex.EncodeToString(sum[:])
}

// SaveSession records a new active session for subjectID
func (c *Coordinator) SaveSession(ctx context.Context, subjectID string) error {
	if subjectID == "" {
		return core.New(core.CodeTokenInvalid, "session subject is empty")
	}

	now := c.clock.Now().UTC()
	record := core.SessionRecord{
		SubjectID:         subjectID,
		CreatedAt:         now,
		LastActivityAt:    now,
		DeviceFingerprint: Fingerprint(c.device.Characteristics()),
		Flags:             []core.SessionFlag{core.SessionFlagActive},
	}
	if err := c.save(ctx, record); err != nil {
		return err
	}

	c.log.Info("session saved", "subject", subjectID)
	return nil
}

// Load returns the stored record, or securestore.ErrNotFound
func (c *Coordinator) Load(ctx context.Context) (core.SessionRecord, error) {
	raw, err := c.store.Get(ctx, KeySession)
	if err != nil {
		return core.SessionRecord{}, err
	}
	var record core.SessionRecord
	if err := json.Unmarshal([]byte(raw), &record); err != nil {
		return core.SessionRecord{}, core.Wrap(core.CodeStorageError, "decode session record", err)
	}
	return record, nil
}

// RestoreSession validates the stored session and, when it passes, marks it
// restored and returns its subject. Any failure clears the credentials,
// deletes the record and returns "", false: a rejected session is
// indistinguishable from no session.
func (c *Coordinator) RestoreSession(ctx context.Context) (string, bool) {
	record, err := c.Load(ctx)
	if errors.Is(err, securestore.ErrNotFound) {
		// credentials without a session record are orphaned
		if err := c.credentials.Clear(ctx); err != nil {
			c.log.Error(err, "clear credentials without session failed")
		}
		c.metrics.RecordRestoration(resultAbsent)
		return "", false
	}
	if err != nil {
		c.reject(ctx, "", "unreadable session record", err)
		return "", false
	}

	if reason := c.check(record); reason != "" {
		c.reject(ctx, record.SubjectID, reason, nil)
		return "", false
	}
	if err := c.credentials.CheckRenewal(ctx); err != nil {
		c.reject(ctx, record.SubjectID, "renewal credential unavailable", err)
		return "", false
	}

	record.LastActivityAt = c.clock.Now().UTC()
	record.Flags = record.WithFlag(core.SessionFlagRestored)
	if err := c.save(ctx, record); err != nil {
		c.reject(ctx, record.SubjectID, "persist restored session", err)
		return "", false
	}

	c.metrics.RecordRestoration(resultRestored)
	c.events.LogSecurityEvent(ctx, core.SecurityEvent{
		Type:      core.EventSessionRestored,
		SubjectID: record.SubjectID,
		Details: map[string]string{
			"createdAt": record.CreatedAt.Format(time.RFC3339),
		},
	})
	c.log.Info("session restored", "subject", record.SubjectID)
	return record.SubjectID, true
}

// check returns why record cannot be restored, or ""
func (c *Coordinator) check(record core.SessionRecord) string {
	now := c.clock.Now()

	switch {
	case record.SubjectID == "":
		return "session has no subject"
	case record.HasFlag(core.SessionFlagInvalidated):
		return "session invalidated"
	case !record.HasFlag(core.SessionFlagActive):
		return "session not active"
	case now.Sub(record.CreatedAt) > c.cfg.MaxSessionAge:
		return "session exceeded maximum age"
	case now.Sub(record.LastActivityAt) > c.cfg.MaxInactivity:
		return "session inactive too long"
	case c.cfg.DeviceBinding && record.DeviceFingerprint != Fingerprint(c.device.Characteristics()):
		return "device fingerprint mismatch"
	}
	return ""
}

func (c *Coordinator) reject(ctx context.Context, subject, reason string, cause error) {
	var errs []error
	if err := c.credentials.Clear(ctx); err != nil {
		errs = append(errs, err)
	}
	if err := c.store.Remove(ctx, KeySession); err != nil {
		errs = append(errs, err)
	}

	details := map[string]string{"reason": reason}
	if cause != nil {
		details["error"] = cause.Error()
	}
	if err := errors.Join(errs...); err != nil {
		details["cleanup"] = err.Error()
		c.log.Error(err, "cleanup after rejected session failed", "subject", subject)
	}

	c.metrics.RecordRestoration(resultRejected)
	c.events.LogSecurityEvent(ctx, core.SecurityEvent{
		Type:      core.EventSessionRejected,
		SubjectID: subject,
		Details:   details,
	})
	c.log.Info("session rejected", "subject", subject, "reason", reason)
}

// Touch records activity on the session. Writes are throttled to one per
// minute; a missing session is ignored.
func (c *Coordinator) Touch(ctx context.Context) error {
	record, err := c.Load(ctx)
	if errors.Is(err, securestore.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}

	now := c.clock.Now().UTC()
	if now.Sub(record.LastActivityAt) < touchInterval {
		return nil
	}
	record.LastActivityAt = now
	return c.save(ctx, record)
}

// InvalidateSession flags the session so it can never be restored
func (c *Coordinator) InvalidateSession(ctx context.Context) error {
	record, err := c.Load(ctx)
	if errors.Is(err, securestore.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}

	record.Flags = record.WithoutFlag(core.SessionFlagActive)
	record.Flags = record.WithFlag(core.SessionFlagInvalidated)
	if err := c.save(ctx, record); err != nil {
		return err
	}

	c.log.Info("session invalidated", "subject", record.SubjectID)
	return nil
}

// DeleteSession removes the session record
func (c *Coordinator) DeleteSession(ctx context.Context) error {
	return c.store.Remove(ctx, KeySession)
}

func (c *Coordinator) save(ctx context.Context, record core.SessionRecord) error {
	raw, err := json.Marshal(record)
	if err != nil {
		return core.Wrap(core.CodeStorageError, "encode session record", err)
	}
	if err := c.store.Put(ctx, KeySession, string(raw), securestore.PutOptions{}); err != nil {
		return fmt.Errorf("save session: %w", err)
	}
	return nil
}
