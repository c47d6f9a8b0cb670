package engine

import (
	"bytes"
	"context"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/sushant-115/gojolite/core/dberror"
	"github.com/sushant-115/gojolite/core/document"
	pagemanager "github.com/sushant-115/gojolite/core/write_engine/page_manager"
	"go.uber.org/zap"
)

// Pragmas understood by the engine. Values are validated on set and applied
// to the running engine after the change commits.
const (
	PragmaUserVersion = "USER_VERSION"
	PragmaTimeout     = "TIMEOUT"
	PragmaLimitSize   = "LIMIT_SIZE"
	PragmaCheckpoint  = "CHECKPOINT"
	PragmaUtcDate     = "UTC_DATE"
)

// DbParam returns a persisted parameter. Known pragmas that were never set
// report the engine's current value; other unset names fail with
// ErrNotFound. Names are case-insensitive.
func (e *Engine) DbParam(name string) (any, error) {
	if err := e.checkOpen(); err != nil {
		return nil, err
	}
	name = strings.ToUpper(name)
	snap := e.txns.BeginRead(context.Background())
	defer snap.Commit()
	h, err := snap.View().Header()
	if err != nil {
		return nil, err
	}
	if raw, ok := h.Params[name]; ok {
		v, _, err := document.DecodeKey(raw)
		return v, err
	}
	switch name {
	case PragmaUserVersion:
		return int64(0), nil
	case PragmaTimeout:
		return int64(e.txns.Timeout() / time.Second), nil
	case PragmaLimitSize:
		if limit := e.pm.LimitSize(); limit != math.MaxInt64 {
			return limit, nil
		}
		return int64(0), nil
	case PragmaCheckpoint:
		return int64(e.txns.CheckpointSize()), nil
	case PragmaUtcDate:
		return e.utcDate.Load(), nil
	}
	return nil, fmt.Errorf("%w: parameter %q", dberror.ErrNotFound, name)
}

// SetDbParam stores a scalar parameter and reports whether the stored value
// changed. Pragmas are checked before anything is written.
func (e *Engine) SetDbParam(ctx context.Context, name string, value any) (_ bool, err error) {
	if err := e.checkOpen(); err != nil {
		return false, err
	}
	ctx, span := e.startSpan(ctx, "SetDbParam", "")
	defer func() { endSpan(span, err) }()

	if err := pagemanager.ValidateName(name); err != nil {
		return false, err
	}
	name = strings.ToUpper(name)
	v, err := e.normalizer().Value(value)
	if err != nil {
		return false, err
	}
	if !document.IsScalar(v) {
		return false, fmt.Errorf("%w: parameter %s must be a scalar, got %T", dberror.ErrInvalidArgument, name, value)
	}
	if err := checkPragma(name, v); err != nil {
		return false, err
	}
	raw, err := document.EncodeKey(v)
	if err != nil {
		return false, err
	}

	changed := false
	t, err := e.txns.BeginWrite(ctx)
	if err != nil {
		return false, err
	}
	view := t.View()
	h, err := view.Header()
	if err != nil {
		_ = t.Rollback()
		return false, err
	}
	if old, ok := h.Params[name]; !ok || !bytes.Equal(old, raw) {
		h.Params[name] = raw
		view.MarkHeaderDirty()
		changed = true
	}
	if !changed {
		return false, t.Commit()
	}
	// The size cap is checked against the pages in use and applied while the
	// writer lock keeps the file from growing.
	if name == PragmaLimitSize {
		prev := e.pm.LimitSize()
		if err := e.pm.EnforceLimit(v.(int64), h.LastPageID); err != nil {
			_ = t.Rollback()
			return false, err
		}
		if err := t.Commit(); err != nil {
			_ = e.pm.EnforceLimit(prev, pagemanager.HeaderPageID)
			return false, err
		}
	} else {
		if err := t.Commit(); err != nil {
			return false, err
		}
		if err := e.applyParam(name, v); err != nil {
			return true, err
		}
	}
	e.logger.Info("Set database parameter", zap.String("name", name), zap.Any("value", v))
	return true, nil
}

// checkPragma validates the value of a known pragma.
func checkPragma(name string, v any) error {
	switch name {
	case PragmaUtcDate:
		if _, ok := v.(bool); !ok {
			return fmt.Errorf("%w: %s must be a bool", dberror.ErrInvalidArgument, name)
		}
		return nil
	case PragmaUserVersion, PragmaTimeout, PragmaLimitSize, PragmaCheckpoint:
	default:
		return nil
	}
	n, ok := v.(int64)
	if !ok {
		return fmt.Errorf("%w: %s must be an integer", dberror.ErrInvalidArgument, name)
	}
	switch {
	case name == PragmaTimeout && n <= 0:
		return fmt.Errorf("%w: %s must be positive", dberror.ErrInvalidArgument, name)
	case name == PragmaCheckpoint && n < 0:
		return fmt.Errorf("%w: %s must not be negative", dberror.ErrInvalidArgument, name)
	case name == PragmaLimitSize && n != 0 && n < pagemanager.MinLimitSize:
		return fmt.Errorf("%w: %s must be 0 or at least %d bytes", dberror.ErrInvalidArgument, name, pagemanager.MinLimitSize)
	}
	return nil
}

// applyParam pushes a committed pragma into the running engine.
func (e *Engine) applyParam(name string, v any) error {
	switch name {
	case PragmaTimeout:
		return e.txns.SetTimeout(time.Duration(v.(int64)) * time.Second)
	case PragmaLimitSize:
		return e.enforceLimit(v.(int64))
	case PragmaCheckpoint:
		return e.txns.SetCheckpointSize(int(v.(int64)))
	case PragmaUtcDate:
		e.utcDate.Store(v.(bool))
	}
	return nil
}

// enforceLimit caps the data file at size bytes. The cap must cover the
// pages the database already uses.
func (e *Engine) enforceLimit(size int64) error {
	snap := e.txns.BeginRead(context.Background())
	defer snap.Commit()
	h, err := snap.View().Header()
	if err != nil {
		return err
	}
	return e.pm.EnforceLimit(size, h.LastPageID)
}

// applyParams loads persisted pragmas at open. They take precedence over
// the matching Settings fields.
func (e *Engine) applyParams() error {
	snap := e.txns.BeginRead(context.Background())
	defer snap.Commit()
	h, err := snap.View().Header()
	if err != nil {
		return err
	}
	for _, name := range []string{PragmaTimeout, PragmaLimitSize, PragmaCheckpoint, PragmaUtcDate} {
		raw, ok := h.Params[name]
		if !ok {
			continue
		}
		v, _, err := document.DecodeKey(raw)
		if err != nil {
			return err
		}
		if err := checkPragma(name, v); err != nil {
			return fmt.Errorf("%w: stored %s: %v", dberror.ErrCorruptPage, name, err)
		}
		if err := e.applyParam(name, v); err != nil {
			return err
		}
	}
	return nil
}
