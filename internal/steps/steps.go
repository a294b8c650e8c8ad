// Package steps implements the step pipeline: an ordered list of
// predicates with include/exclude/continue dispositions, evaluated
// per file to decide inclusion in a directory listing or a
// replication rule.
package steps

import (
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/mheily/mosaicfs/internal/documents"
)

// Context supplies the lookups a step may need beyond the file
// document itself: labels, last access, replicas, and annotations.
type Context interface {
	HasLabel(fileUUID, label string) bool
	LastAccess(fileID string) (time.Time, bool)
	HasReplica(fileUUID string, target, status *string) bool
	HasAnnotation(fileUUID, pluginName string) bool
}

// Evaluate runs steps in order against file, returning defaultResult
// when no step produces a non-continue disposition.
//
// Steps are typically the concatenation of inherited (ancestor) steps
// followed by a mount's own steps; the caller is responsible for that
// ordering, since inherited steps must be able to short-circuit before
// mount steps run.
func Evaluate(stepList []documents.Step, file *documents.File, fileID string, defaultResult documents.StepResult, ctx Context) documents.StepResult {
	fileUUID := fileID
	if uuid, ok := documents.FileUUID(fileID); ok {
		fileUUID = uuid
	}
	now := time.Now()

	for _, step := range stepList {
		matched := evaluateOp(step, file, fileID, fileUUID, now, ctx)
		effective := matched
		if step.Invert {
			effective = !matched
		}

		if effective {
			result := step.OnMatch
			if result == "" {
				result = documents.Include
			}
			if result == documents.Continue {
				continue
			}
			return result
		}
	}

	return defaultResult
}

func evaluateOp(step documents.Step, file *documents.File, fileID, fileUUID string, now time.Time, ctx Context) bool {
	switch step.Op {
	case "glob":
		pattern, ok := stringParam(step, "pattern")
		if !ok {
			return false
		}
		matched, err := filepath.Match(pattern, file.Name)
		return err == nil && matched

	case "regex":
		pattern, ok := stringParam(step, "pattern")
		if !ok {
			return false
		}
		re, err := regexp.Compile(pattern)
		return err == nil && re.MatchString(file.Name)

	case "age":
		days, ok := intParam(step, "days")
		if !ok {
			return false
		}
		comparison := stringParamOr(step, "comparison", "gt")
		fileAge := int64(now.Sub(file.Mtime).Hours() / 24)
		return compare(fileAge, days, comparison)

	case "size":
		bytes, ok := uintParam(step, "bytes")
		if !ok {
			return false
		}
		comparison := stringParamOr(step, "comparison", "gt")
		return compare(int64(file.Size), int64(bytes), comparison)

	case "mime":
		pattern, ok := stringParam(step, "pattern")
		if !ok {
			return false
		}
		return strings.Contains(file.MimeType, pattern)

	case "node":
		nodeID, ok := stringParam(step, "node_id")
		if !ok {
			return false
		}
		return file.Source.NodeID == nodeID

	case "label":
		label, ok := stringParam(step, "label")
		if !ok {
			return false
		}
		return ctx.HasLabel(fileUUID, label)

	case "access_age":
		days, ok := intParam(step, "days")
		if !ok {
			return false
		}
		comparison := stringParamOr(step, "comparison", "gt")
		missing := stringParamOr(step, "missing", "include")

		last, found := ctx.LastAccess(fileID)
		if !found {
			return missing == "include"
		}
		age := int64(now.Sub(last).Hours() / 24)
		return compare(age, days, comparison)

	case "replicated":
		target := stringParamPtr(step, "target")
		status := stringParamPtr(step, "status")
		return ctx.HasReplica(fileUUID, target, status)

	case "annotation":
		pluginName, ok := stringParam(step, "plugin_name")
		if !ok {
			return false
		}
		return ctx.HasAnnotation(fileUUID, pluginName)

	default:
		// Unknown ops fail closed so future step kinds degrade safely.
		return false
	}
}

func compare(value, threshold int64, comparison string) bool {
	switch comparison {
	case "lt":
		return value < threshold
	case "gt":
		return value > threshold
	case "eq":
		return value == threshold
	default:
		return false
	}
}

func stringParam(step documents.Step, key string) (string, bool) {
	v, ok := step.Params[key]
	if !ok {
		return "", false
	}
	s, ok := v.(string)
	return s, ok
}

func stringParamOr(step documents.Step, key, def string) string {
	if s, ok := stringParam(step, key); ok {
		return s
	}
	return def
}

func stringParamPtr(step documents.Step, key string) *string {
	if s, ok := stringParam(step, key); ok {
		return &s
	}
	return nil
}

func intParam(step documents.Step, key string) (int64, bool) {
	v, ok := step.Params[key]
	if !ok {
		return 0, false
	}
	switch n := v.(type) {
	case int64:
		return n, true
	case int:
		return int64(n), true
	case float64:
		return int64(n), true
	default:
		return 0, false
	}
}

func uintParam(step documents.Step, key string) (uint64, bool) {
	n, ok := intParam(step, key)
	if !ok || n < 0 {
		return 0, false
	}
	return uint64(n), true
}
