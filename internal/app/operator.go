package app

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"hedge-bot/internal/alerts"

	"go.uber.org/zap"
)

const operatorOffsetKey = "telegram:operator:last_update_id"

type operatorMeta struct {
	UpdateID int64
	UserID   int64
	Username string
	ChatID   int64
	Raw      string
}

type operatorAuditEvent struct {
	UpdateID     int64     `json:"update_id"`
	Time         time.Time `json:"time"`
	Action       string    `json:"action"`
	Command      string    `json:"command"`
	UserID       int64     `json:"user_id"`
	Username     string    `json:"username,omitempty"`
	ChatID       int64     `json:"chat_id"`
	PausedBefore bool      `json:"paused_before"`
	PausedAfter  bool      `json:"paused_after"`
	HaltedBefore bool      `json:"halted_before"`
}

func (a *App) startOperator(ctx context.Context) {
	if a.cfg == nil || a.alerts == nil || a.log == nil {
		return
	}
	if !a.cfg.Telegram.OperatorEnabled || !a.alerts.Enabled() {
		return
	}
	chatID, err := strconv.ParseInt(strings.TrimSpace(a.cfg.Telegram.ChatID), 10, 64)
	if err != nil {
		a.log.Warn("telegram operator disabled: invalid chat_id", zap.Error(err))
		return
	}
	pollInterval := a.cfg.Telegram.OperatorPollInterval
	if pollInterval <= 0 {
		pollInterval = 3 * time.Second
	}
	allowedUsers := make(map[int64]struct{}, len(a.cfg.Telegram.OperatorAllowedUserIDs))
	for _, id := range a.cfg.Telegram.OperatorAllowedUserIDs {
		allowedUsers[id] = struct{}{}
	}
	go a.operatorLoop(ctx, chatID, allowedUsers, pollInterval)
}

func (a *App) operatorLoop(ctx context.Context, chatID int64, allowedUsers map[int64]struct{}, pollInterval time.Duration) {
	offset := a.loadOperatorOffset(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		updates, err := a.alerts.GetUpdates(ctx, offset, pollInterval)
		if err != nil {
			a.logOperatorError(err)
			select {
			case <-ctx.Done():
				return
			case <-a.clock.After(pollInterval):
			}
			continue
		}
		if a.operatorWarned {
			a.log.Info("telegram operator recovered")
			a.operatorWarned = false
		}
		for _, upd := range updates {
			if upd.UpdateID >= offset {
				offset = upd.UpdateID + 1
				a.saveOperatorOffset(ctx, offset)
			}
			a.handleOperatorUpdate(ctx, upd, chatID, allowedUsers)
		}
	}
}

func (a *App) handleOperatorUpdate(ctx context.Context, upd alerts.Update, chatID int64, allowedUsers map[int64]struct{}) {
	if upd.Message == nil {
		return
	}
	msg := upd.Message
	if msg.Chat == nil || msg.From == nil {
		return
	}
	if msg.Chat.ID != chatID {
		return
	}
	if len(allowedUsers) > 0 {
		if _, ok := allowedUsers[msg.From.ID]; !ok {
			return
		}
	}
	cmd, args, ok := parseOperatorCommand(msg.Text)
	if !ok {
		return
	}
	meta := operatorMeta{
		UpdateID: upd.UpdateID,
		UserID:   msg.From.ID,
		Username: msg.From.Username,
		ChatID:   msg.Chat.ID,
		Raw:      msg.Text,
	}
	resp := a.handleOperatorCommand(ctx, cmd, args, meta)
	if resp == "" {
		return
	}
	if err := a.alerts.Send(ctx, resp); err != nil {
		a.log.Warn("operator response failed", zap.Error(err))
	}
}

// parseOperatorCommand splits "/cmd@bot arg ..." into a lower-case command and its args.
func parseOperatorCommand(text string) (string, []string, bool) {
	trimmed := strings.TrimSpace(text)
	if !strings.HasPrefix(trimmed, "/") {
		return "", nil, false
	}
	fields := strings.Fields(trimmed)
	if len(fields) == 0 {
		return "", nil, false
	}
	cmd := strings.ToLower(strings.TrimPrefix(fields[0], "/"))
	if at := strings.IndexByte(cmd, '@'); at >= 0 {
		cmd = cmd[:at]
	}
	if cmd == "" {
		return "", nil, false
	}
	return cmd, fields[1:], true
}

func (a *App) handleOperatorCommand(ctx context.Context, cmd string, args []string, meta operatorMeta) string {
	switch cmd {
	case "status":
		return a.operatorStatus()
	case "pause":
		return a.operatorPause(ctx, meta)
	case "resume":
		return a.operatorResume(ctx, meta)
	case "last":
		return a.operatorLast(ctx, args)
	default:
		return operatorHelpText()
	}
}

func (a *App) operatorPause(ctx context.Context, meta operatorMeta) string {
	sup := a.currentSupervisor()
	if sup == nil {
		return "hedger not started"
	}
	before := sup.Stats()
	changed := sup.Pause()
	a.auditOperatorEvent(ctx, operatorAuditEvent{
		UpdateID:     meta.UpdateID,
		Time:         a.clock.Now().UTC(),
		Action:       "pause",
		Command:      meta.Raw,
		UserID:       meta.UserID,
		Username:     meta.Username,
		ChatID:       meta.ChatID,
		PausedBefore: before.Paused,
		PausedAfter:  true,
		HaltedBefore: before.Halted,
	})
	if changed {
		return "hedging paused; the running cycle, if any, will finish"
	}
	return "hedging already paused"
}

func (a *App) operatorResume(ctx context.Context, meta operatorMeta) string {
	sup := a.currentSupervisor()
	if sup == nil {
		return "hedger not started"
	}
	before := sup.Stats()
	changed := sup.Resume()
	a.auditOperatorEvent(ctx, operatorAuditEvent{
		UpdateID:     meta.UpdateID,
		Time:         a.clock.Now().UTC(),
		Action:       "resume",
		Command:      meta.Raw,
		UserID:       meta.UserID,
		Username:     meta.Username,
		ChatID:       meta.ChatID,
		PausedBefore: before.Paused,
		PausedAfter:  false,
		HaltedBefore: before.Halted,
	})
	switch {
	case !changed:
		return "hedging already active"
	case before.Halted:
		return fmt.Sprintf("halt cleared (%s); hedging resumed", before.HaltReason)
	}
	return "hedging resumed"
}

func (a *App) operatorStatus() string {
	sup := a.currentSupervisor()
	if sup == nil {
		return "hedger not started"
	}
	stats := sup.Stats()
	state := "running"
	switch {
	case stats.Halted:
		state = "halted: " + stats.HaltReason
	case stats.Paused:
		state = "paused"
	}
	lines := []string{
		fmt.Sprintf("state: %s", state),
		fmt.Sprintf("cycles: %d this run (balanced %d, imbalanced %d, aborted %d)", stats.Cycles, stats.Balanced, stats.Imbalanced, stats.Aborted),
		fmt.Sprintf("last: seq %d %s", stats.LastSequence, stats.LastOutcome),
		fmt.Sprintf("open_residual_total: %s", stats.CumulativeResidual),
		fmt.Sprintf("net_exposure: %s", stats.LastNetExposure),
	}
	if len(stats.Failures) > 0 {
		kinds := make([]string, 0, len(stats.Failures))
		for kind := range stats.Failures {
			kinds = append(kinds, kind)
		}
		sort.Strings(kinds)
		parts := make([]string, 0, len(kinds))
		for _, kind := range kinds {
			parts = append(parts, fmt.Sprintf("%s=%d", kind, stats.Failures[kind]))
		}
		lines = append(lines, "failures: "+strings.Join(parts, " "))
	}
	for _, s := range []*venueSession{a.venueA, a.venueB} {
		if s == nil || s.client == nil {
			continue
		}
		lines = append(lines, fmt.Sprintf("venue %s (%s): %s", s.client.ID(), s.cfg.Name, s.client.State()))
	}
	return strings.Join(lines, "\n")
}

func (a *App) operatorLast(ctx context.Context, args []string) string {
	if a.journal == nil {
		return "journal unavailable"
	}
	limit := 5
	if len(args) > 0 {
		if n, err := strconv.Atoi(args[0]); err == nil && n > 0 && n <= 20 {
			limit = n
		}
	}
	rows, err := a.journal.Recent(ctx, limit)
	if err != nil {
		return fmt.Sprintf("journal read failed: %v", err)
	}
	if len(rows) == 0 {
		return "no cycles recorded"
	}
	lines := make([]string, 0, len(rows))
	for _, row := range rows {
		line := fmt.Sprintf("#%d %s a=%s b=%s residual=%s", row.Seq, row.Outcome, row.FilledA, row.FilledB, row.ResidualDelta)
		if row.Failure != "" {
			line += " " + row.Failure
		}
		lines = append(lines, line)
	}
	return strings.Join(lines, "\n")
}

func operatorHelpText() string {
	return strings.Join([]string{
		"commands:",
		"/status - supervisor and venue status",
		"/pause - stop starting new cycles",
		"/resume - resume cycles, clearing a halt",
		"/last [n] - most recent cycle results",
	}, "\n")
}

func (a *App) logOperatorError(err error) {
	if a.log == nil {
		return
	}
	if a.operatorWarned {
		return
	}
	a.operatorWarned = true
	a.log.Warn("telegram operator failed", zap.Error(err))
}

func (a *App) loadOperatorOffset(ctx context.Context) int64 {
	if a.store == nil {
		return 0
	}
	raw, ok, err := a.store.Get(ctx, operatorOffsetKey)
	if err != nil || !ok {
		return 0
	}
	val, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0
	}
	if val < 0 {
		return 0
	}
	return val
}

func (a *App) saveOperatorOffset(ctx context.Context, offset int64) {
	if a.store == nil {
		return
	}
	_ = a.store.Set(ctx, operatorOffsetKey, strconv.FormatInt(offset, 10))
}

func (a *App) auditOperatorEvent(ctx context.Context, event operatorAuditEvent) {
	if a.store == nil {
		return
	}
	seq := a.auditSeq.Add(1)
	key := fmt.Sprintf("ops:audit:%d:%d:%s:%d", event.Time.UnixNano(), event.UpdateID, event.Action, seq)
	payload, err := json.Marshal(event)
	if err != nil {
		return
	}
	_ = a.store.Set(ctx, key, string(payload))
}
