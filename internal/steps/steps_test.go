package steps

import (
	"testing"
	"time"

	"github.com/mheily/mosaicfs/internal/documents"
	"github.com/stretchr/testify/assert"
)

type mockContext struct {
	labels      map[string]map[string]bool
	accesses    map[string]time.Time
	replicas    map[string]bool // "uuid:target:status"
	annotations map[string]bool
}

func newMockContext() *mockContext {
	return &mockContext{
		labels:      map[string]map[string]bool{},
		accesses:    map[string]time.Time{},
		replicas:    map[string]bool{},
		annotations: map[string]bool{},
	}
}

func (m *mockContext) HasLabel(fileUUID, label string) bool {
	return m.labels[fileUUID][label]
}

func (m *mockContext) LastAccess(fileID string) (time.Time, bool) {
	t, ok := m.accesses[fileID]
	return t, ok
}

func (m *mockContext) HasReplica(fileUUID string, target, status *string) bool {
	t := "*"
	if target != nil {
		t = *target
	}
	s := "*"
	if status != nil {
		s = *status
	}
	if m.replicas[fileUUID+":"+t+":"+s] {
		return true
	}
	for key := range m.replicas {
		// key format uuid:target:status
		var parts [3]string
		idx := 0
		start := 0
		for i := 0; i < len(key) && idx < 2; i++ {
			if key[i] == ':' {
				parts[idx] = key[start:i]
				start = i + 1
				idx++
			}
		}
		parts[2] = key[start:]
		if parts[0] == fileUUID &&
			(target == nil || parts[1] == *target) &&
			(status == nil || parts[2] == *status) {
			return true
		}
	}
	return false
}

func (m *mockContext) HasAnnotation(fileUUID, pluginName string) bool {
	return m.annotations[fileUUID+":"+pluginName]
}

func testFile() *documents.File {
	return &documents.File{
		Type:  "file",
		Inode: 1,
		Name:  "report.pdf",
		Source: documents.FileSource{
			NodeID:       "node-1",
			ExportPath:   "/docs/report.pdf",
			ExportParent: "/docs",
		},
		Size:     1_000_000,
		Mtime:    time.Now().Add(-30 * 24 * time.Hour),
		MimeType: "application/pdf",
		Status:   documents.StatusActive,
	}
}

func step(op string, params map[string]interface{}) documents.Step {
	return documents.Step{Op: op, Params: params}
}

func TestGlob(t *testing.T) {
	file := testFile()
	ctx := newMockContext()

	result := Evaluate([]documents.Step{step("glob", map[string]interface{}{"pattern": "*.pdf"})}, file, "file::abc", documents.Exclude, ctx)
	assert.Equal(t, documents.Include, result)

	result = Evaluate([]documents.Step{step("glob", map[string]interface{}{"pattern": "*.txt"})}, file, "file::abc", documents.Exclude, ctx)
	assert.Equal(t, documents.Exclude, result)
}

func TestGlobInvert(t *testing.T) {
	file := testFile()
	ctx := newMockContext()
	s := step("glob", map[string]interface{}{"pattern": "*.pdf"})
	s.Invert = true
	// pdf matches glob, invert makes it not-match, falls through to default.
	result := Evaluate([]documents.Step{s}, file, "file::abc", documents.Include, ctx)
	assert.Equal(t, documents.Include, result)
}

func TestRegex(t *testing.T) {
	file := testFile()
	ctx := newMockContext()

	result := Evaluate([]documents.Step{step("regex", map[string]interface{}{"pattern": `^report\.\w+$`})}, file, "file::abc", documents.Exclude, ctx)
	assert.Equal(t, documents.Include, result)

	result = Evaluate([]documents.Step{step("regex", map[string]interface{}{"pattern": `^notes\.\w+$`})}, file, "file::abc", documents.Exclude, ctx)
	assert.Equal(t, documents.Exclude, result)
}

func TestAge(t *testing.T) {
	file := testFile() // 30 days old
	ctx := newMockContext()

	result := Evaluate([]documents.Step{step("age", map[string]interface{}{"days": int64(20), "comparison": "gt"})}, file, "file::abc", documents.Exclude, ctx)
	assert.Equal(t, documents.Include, result)

	result = Evaluate([]documents.Step{step("age", map[string]interface{}{"days": int64(20), "comparison": "lt"})}, file, "file::abc", documents.Exclude, ctx)
	assert.Equal(t, documents.Exclude, result)
}

func TestSize(t *testing.T) {
	file := testFile() // 1_000_000
	ctx := newMockContext()

	result := Evaluate([]documents.Step{step("size", map[string]interface{}{"bytes": int64(500_000), "comparison": "gt"})}, file, "file::abc", documents.Exclude, ctx)
	assert.Equal(t, documents.Include, result)

	result = Evaluate([]documents.Step{step("size", map[string]interface{}{"bytes": int64(500_000), "comparison": "lt"})}, file, "file::abc", documents.Exclude, ctx)
	assert.Equal(t, documents.Exclude, result)
}

func TestMime(t *testing.T) {
	file := testFile()
	ctx := newMockContext()

	result := Evaluate([]documents.Step{step("mime", map[string]interface{}{"pattern": "pdf"})}, file, "file::abc", documents.Exclude, ctx)
	assert.Equal(t, documents.Include, result)

	result = Evaluate([]documents.Step{step("mime", map[string]interface{}{"pattern": "image"})}, file, "file::abc", documents.Exclude, ctx)
	assert.Equal(t, documents.Exclude, result)
}

func TestNode(t *testing.T) {
	file := testFile()
	ctx := newMockContext()

	result := Evaluate([]documents.Step{step("node", map[string]interface{}{"node_id": "node-1"})}, file, "file::abc", documents.Exclude, ctx)
	assert.Equal(t, documents.Include, result)

	result = Evaluate([]documents.Step{step("node", map[string]interface{}{"node_id": "node-2"})}, file, "file::abc", documents.Exclude, ctx)
	assert.Equal(t, documents.Exclude, result)
}

func TestLabel(t *testing.T) {
	file := testFile()
	ctx := newMockContext()
	ctx.labels["abc"] = map[string]bool{"important": true}

	result := Evaluate([]documents.Step{step("label", map[string]interface{}{"label": "important"})}, file, "file::abc", documents.Exclude, ctx)
	assert.Equal(t, documents.Include, result)

	empty := newMockContext()
	result = Evaluate([]documents.Step{step("label", map[string]interface{}{"label": "important"})}, file, "file::abc", documents.Exclude, empty)
	assert.Equal(t, documents.Exclude, result)
}

func TestAccessAge(t *testing.T) {
	file := testFile()
	ctx := newMockContext()
	ctx.accesses["file::abc"] = time.Now().Add(-60 * 24 * time.Hour)

	result := Evaluate([]documents.Step{step("access_age", map[string]interface{}{"days": int64(30), "comparison": "gt"})}, file, "file::abc", documents.Exclude, ctx)
	assert.Equal(t, documents.Include, result)

	empty := newMockContext()
	result = Evaluate([]documents.Step{step("access_age", map[string]interface{}{"days": int64(30), "comparison": "gt", "missing": "include"})}, file, "file::abc", documents.Exclude, empty)
	assert.Equal(t, documents.Include, result)

	result = Evaluate([]documents.Step{step("access_age", map[string]interface{}{"days": int64(30), "comparison": "gt", "missing": "exclude"})}, file, "file::abc", documents.Exclude, empty)
	assert.Equal(t, documents.Exclude, result)
}

func TestReplicated(t *testing.T) {
	file := testFile()
	ctx := newMockContext()
	ctx.replicas["abc:offsite:current"] = true

	result := Evaluate([]documents.Step{step("replicated", map[string]interface{}{"target": "offsite", "status": "current"})}, file, "file::abc", documents.Exclude, ctx)
	assert.Equal(t, documents.Include, result)

	empty := newMockContext()
	result = Evaluate([]documents.Step{step("replicated", map[string]interface{}{"target": "offsite"})}, file, "file::abc", documents.Exclude, empty)
	assert.Equal(t, documents.Exclude, result)
}

func TestAnnotation(t *testing.T) {
	file := testFile()
	ctx := newMockContext()
	ctx.annotations["abc:ai-summarizer"] = true

	result := Evaluate([]documents.Step{step("annotation", map[string]interface{}{"plugin_name": "ai-summarizer"})}, file, "file::abc", documents.Exclude, ctx)
	assert.Equal(t, documents.Include, result)

	empty := newMockContext()
	result = Evaluate([]documents.Step{step("annotation", map[string]interface{}{"plugin_name": "ai-summarizer"})}, file, "file::abc", documents.Exclude, empty)
	assert.Equal(t, documents.Exclude, result)
}

func TestOnMatchExclude(t *testing.T) {
	file := testFile()
	ctx := newMockContext()
	s := step("glob", map[string]interface{}{"pattern": "*.pdf"})
	s.OnMatch = documents.Exclude
	result := Evaluate([]documents.Step{s}, file, "file::abc", documents.Include, ctx)
	assert.Equal(t, documents.Exclude, result)
}

func TestOnMatchContinue(t *testing.T) {
	file := testFile()
	ctx := newMockContext()
	s1 := step("glob", map[string]interface{}{"pattern": "*.pdf"})
	s1.OnMatch = documents.Continue
	s2 := step("node", map[string]interface{}{"node_id": "node-1"})
	result := Evaluate([]documents.Step{s1, s2}, file, "file::abc", documents.Exclude, ctx)
	assert.Equal(t, documents.Include, result)
}

func TestEmptySteps(t *testing.T) {
	file := testFile()
	ctx := newMockContext()
	assert.Equal(t, documents.Include, Evaluate(nil, file, "file::abc", documents.Include, ctx))
	assert.Equal(t, documents.Exclude, Evaluate(nil, file, "file::abc", documents.Exclude, ctx))
}

func TestAncestorExcludeOverridesChildInclude(t *testing.T) {
	file := testFile()
	ctx := newMockContext()
	ancestor := step("glob", map[string]interface{}{"pattern": "*.pdf"})
	ancestor.OnMatch = documents.Exclude
	child := step("node", map[string]interface{}{"node_id": "node-1"})

	result := Evaluate([]documents.Step{ancestor, child}, file, "file::abc", documents.Include, ctx)
	assert.Equal(t, documents.Exclude, result)
}

func TestInvertWithExclude(t *testing.T) {
	file := testFile()
	ctx := newMockContext()
	s := step("glob", map[string]interface{}{"pattern": "*.txt"})
	s.Invert = true
	s.OnMatch = documents.Exclude
	result := Evaluate([]documents.Step{s}, file, "file::abc", documents.Include, ctx)
	assert.Equal(t, documents.Exclude, result)
}
