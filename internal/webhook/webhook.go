// Package webhook verifies and normalizes inbound tracker notifications and
// turns them into sync queue entries.
package webhook

import (
	"fmt"
	"strings"
	"time"

	gh "github.com/google/go-github/v60/github"
	"github.com/google/uuid"
	"github.com/tidwall/gjson"

	perrors "github.com/p-blackswan/trackersync/internal/errors"
	"github.com/p-blackswan/trackersync/internal/models"
)

// Signature headers checked in order.
var SignatureHeaders = []string{"X-Signature", "X-Hub-Signature-256"}

// Verify checks the hex HMAC-SHA256 of body against the signature header.
// The header may carry a "sha256=" prefix. Verification is skipped when no
// secret is configured.
func Verify(secret, body []byte, signature string) error {
	if len(secret) == 0 {
		return nil
	}
	signature = strings.TrimSpace(signature)
	if signature == "" {
		return fmt.Errorf("%w: missing signature", perrors.ErrInvalidSignature)
	}
	if !strings.HasPrefix(signature, "sha256=") {
		signature = "sha256=" + signature
	}
	if err := gh.ValidateSignature(signature, body, secret); err != nil {
		return fmt.Errorf("%w: %v", perrors.ErrInvalidSignature, err)
	}
	return nil
}

var eventKinds = map[string]models.EventKind{
	"taskCreated":       models.EventCreated,
	"taskUpdated":       models.EventUpdated,
	"taskDeleted":       models.EventDeleted,
	"taskCommentPosted": models.EventComment,
	"created":           models.EventCreated,
	"updated":           models.EventUpdated,
	"deleted":           models.EventDeleted,
	"comment":           models.EventComment,
}

// KindOf maps a tracker event name to its kind.
func KindOf(name string) models.EventKind {
	if k, ok := eventKinds[name]; ok {
		return k
	}
	return models.EventOther
}

// Parse normalizes a webhook body. The body must be a JSON object carrying an
// event name. Unknown event names parse to EventOther.
func Parse(body []byte, now time.Time) (models.WebhookEvent, error) {
	if !gjson.ValidBytes(body) {
		return models.WebhookEvent{}, fmt.Errorf("%w: body is not valid JSON", perrors.ErrInvalidInput)
	}
	root := gjson.ParseBytes(body)
	if !root.IsObject() {
		return models.WebhookEvent{}, fmt.Errorf("%w: body is not a JSON object", perrors.ErrInvalidInput)
	}

	name := root.Get("event").String()
	if name == "" {
		return models.WebhookEvent{}, fmt.Errorf("%w: missing event", perrors.ErrInvalidInput)
	}

	ev := models.WebhookEvent{
		Name:       name,
		Kind:       KindOf(name),
		SubjectID:  firstString(root, "subject_id", "task_id"),
		ListID:     firstString(root, "list_id", "task.list.id"),
		ProjectID:  root.Get("project_id").String(),
		Raw:        append([]byte(nil), body...),
		ReceivedAt: now,
	}

	ev.ID = firstString(root, "event_id", "history_items.0.id")
	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}

	fields := map[string]string{}
	if hist := root.Get("history_items.0"); hist.Exists() {
		setIf(fields, "field", hist.Get("field"))
		setIf(fields, "user", hist.Get("user.username"))
		after := hist.Get("after")
		if after.IsObject() {
			after = firstResult(after, "status", "priority", "name", "id")
		}
		setIf(fields, "after", after)
	}
	if ev.ListID != "" {
		fields["list_id"] = ev.ListID
	}
	if len(fields) > 0 {
		ev.Fields = fields
	}

	if ev.Kind != models.EventOther && ev.SubjectID == "" {
		return models.WebhookEvent{}, fmt.Errorf("%w: %s event without subject", perrors.ErrInvalidInput, name)
	}
	return ev, nil
}

func firstString(r gjson.Result, paths ...string) string {
	return firstResult(r, paths...).String()
}

func firstResult(r gjson.Result, paths ...string) gjson.Result {
	for _, p := range paths {
		if v := r.Get(p); v.Exists() && v.String() != "" {
			return v
		}
	}
	return gjson.Result{}
}

func setIf(m map[string]string, key string, v gjson.Result) {
	if v.Exists() && v.String() != "" {
		m[key] = v.String()
	}
}
