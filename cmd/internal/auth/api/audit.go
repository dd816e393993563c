package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"net"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// Recorder writes best-effort rows to ripple.security_events. Every method
// is safe on a nil receiver and never fails the request path: an audit
// insert that errors is logged and dropped.
type Recorder struct {
	log  *slog.Logger
	pool *pgxpool.Pool
}

// NewRecorder returns a Recorder backed by pool. A nil pool yields a
// recorder that drops everything, which is the db-less dev posture.
func NewRecorder(log *slog.Logger, pool *pgxpool.Pool) *Recorder {
	if log == nil {
		log = slog.Default()
	}
	return &Recorder{log: log, pool: pool}
}

func (rec *Recorder) loginFailed(ctx context.Context, ip net.IP, ua, identifier, reason string) {
	rec.insert(ctx, "auth.login.failed", "", ip, ua, map[string]any{
		"identifier": identifier,
		"reason":     reason,
	})
}

func (rec *Recorder) loginSuccess(ctx context.Context, userID string, ip net.IP, ua string) {
	rec.insert(ctx, "auth.login.success", userID, ip, ua, nil)
}

func (rec *Recorder) registered(ctx context.Context, userID string, ip net.IP, ua string) {
	rec.insert(ctx, "auth.register", userID, ip, ua, nil)
}

func (rec *Recorder) rateLimited(ctx context.Context, scope string, ip net.IP, ua string, retryAfter time.Duration) {
	rec.insert(ctx, "auth.rate_limited", "", ip, ua, map[string]any{
		"scope":         scope,
		"retry_after_s": int64(retryAfter.Seconds()),
	})
}

func (rec *Recorder) refreshReuse(ctx context.Context, ip net.IP, ua string) {
	rec.insert(ctx, "auth.refresh.reuse_detected", "", ip, ua, nil)
}

func (rec *Recorder) logout(ctx context.Context, ip net.IP, ua string) {
	rec.insert(ctx, "auth.logout", "", ip, ua, nil)
}

func (rec *Recorder) passwordChanged(ctx context.Context, userID string, ip net.IP, ua string) {
	rec.insert(ctx, "auth.password_changed", userID, ip, ua, nil)
}

func (rec *Recorder) accountDeleted(ctx context.Context, userID string, ip net.IP, ua string) {
	rec.insert(ctx, "auth.account_deleted", userID, ip, ua, nil)
}

func (rec *Recorder) insert(ctx context.Context, action, userID string, ip net.IP, ua string, meta map[string]any) {
	if rec == nil || rec.pool == nil {
		return
	}
	action = strings.TrimSpace(action)
	if action == "" {
		return
	}

	var userVal any
	if strings.TrimSpace(userID) != "" {
		userVal = userID
	}
	var ipVal any
	if ip != nil {
		ipVal = ip.String()
	}
	var uaVal any
	if ua = strings.TrimSpace(ua); ua != "" {
		if len(ua) > 512 {
			ua = ua[:512]
		}
		uaVal = ua
	}
	var metaVal any
	if len(meta) > 0 {
		if b, err := json.Marshal(meta); err == nil {
			metaVal = string(b)
		}
	}

	_, err := rec.pool.Exec(ctx, `
		INSERT INTO ripple.security_events (action, user_id, ip, user_agent, meta, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, action, userVal, ipVal, uaVal, metaVal, time.Now().UnixMilli())
	if err != nil {
		rec.log.WarnContext(ctx, "audit.insert.fail",
			slog.String("action", action),
			slog.Any("err", err),
		)
	}
}
