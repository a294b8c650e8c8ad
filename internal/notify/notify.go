// Package notify upserts notification documents with deterministic
// IDs so repeated occurrences of the same operational condition
// update one document's occurrence_count rather than creating
// duplicates, plus a matching resolve step that transitions a
// condition to "resolved" when it clears. Conditions are never
// removed.
package notify

import (
	"context"
	"time"

	"github.com/mheily/mosaicfs/internal/docstore"
	"github.com/mheily/mosaicfs/internal/documents"
	"github.com/mheily/mosaicfs/pkg/errors"
)

// Upsert creates or updates the notification document for
// (component, conditionKey), incrementing occurrence_count and bumping
// last_seen. sourceNodeID is recorded only when the document is created.
func Upsert(ctx context.Context, client *docstore.Client, sourceNodeID, component, conditionKey, severity, title, message string) error {
	id := documents.NotificationID(component, conditionKey)
	var n documents.Notification
	now := time.Now()

	err := client.Get(ctx, id, &n)
	if err != nil {
		mosaicErr, ok := err.(*errors.Error)
		if !ok || mosaicErr.Kind != errors.NotFound {
			return err
		}
		n = documents.Notification{
			ID: id, Type: "notification", SourceNodeID: sourceNodeID, Component: component,
			ConditionKey: conditionKey, FirstSeen: now, Status: "open",
		}
	}

	n.Severity = severity
	n.Title = title
	n.Message = message
	n.LastSeen = now
	n.OccurrenceCount++
	if n.Status == "resolved" {
		n.Status = "open"
		n.ResolvedAt = nil
	}

	_, err = client.Put(ctx, id, &n)
	return err
}

// Resolve transitions a notification to "resolved" with resolved_at
// set, leaving the document in place (notifications are never deleted).
func Resolve(ctx context.Context, client *docstore.Client, sourceNodeID, component, conditionKey string) error {
	id := documents.NotificationID(component, conditionKey)
	var n documents.Notification
	if err := client.Get(ctx, id, &n); err != nil {
		mosaicErr, ok := err.(*errors.Error)
		if ok && mosaicErr.Kind == errors.NotFound {
			return nil // nothing to resolve
		}
		return err
	}
	if n.Status == "resolved" {
		return nil
	}
	now := time.Now()
	n.Status = "resolved"
	n.ResolvedAt = &now
	_, err := client.Put(ctx, id, &n)
	return err
}
