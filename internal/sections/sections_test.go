package sections

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/grc-extract/internal/model"
	"github.com/sells-group/grc-extract/internal/pdf"
)

func offsetDoc() (*pdf.Memory, model.IndexResult) {
	doc := pdf.NewMemory("PCI_DSS.pdf", []string{
		"Payment Card Industry",
		"Table of Contents\n1 Introduction ..... 1\n2 Access Control ..... 2\n2.1 Passwords ..... 3\n3 Logging ..... 5",
		"1 Introduction\nThis standard applies to all entities.",
		"2 Access Control\nLimit access by need to know.",
		"2.1 Passwords\nPasswords must be at least twelve characters.",
		"more passwords rules",
		"3 Logging\nLog all access to cardholder data.",
		"logging end",
	})
	idx := model.IndexResult{
		Method: model.IndexTOCTextFallback,
		Items: []model.IndexItem{
			{Level: 1, Title: "1 Introduction", PageNumber: 1},
			{Level: 1, Title: "2 Access Control", PageNumber: 2},
			{Level: 2, Title: "2.1 Passwords", PageNumber: 3},
			{Level: 1, Title: "3 Logging", PageNumber: 5},
		},
	}
	return doc, idx
}

func TestDetectOffset(t *testing.T) {
	doc, idx := offsetDoc()
	assert.Equal(t, 2, DetectOffset(doc, idx.Items))
}

func TestDetectOffset_NoMatches(t *testing.T) {
	doc := pdf.NewMemory("x.pdf", []string{"a", "b"})
	assert.Equal(t, 0, DetectOffset(doc, []model.IndexItem{{Level: 1, Title: "Missing", PageNumber: 1}}))
}

func TestProcess(t *testing.T) {
	doc, idx := offsetDoc()
	dir := t.TempDir()

	m, err := Process(context.Background(), doc, idx, dir, Options{})
	require.NoError(t, err)

	assert.Equal(t, 2, m.PageOffset)
	assert.Equal(t, 8, m.PageCount)
	assert.Empty(t, m.Unresolved)
	require.Len(t, m.Sections, 4)

	want := []struct {
		folder     string
		start, end int
	}{
		{"001-1_introduction", 2, 2},
		{"002-2_access_control", 3, 5},
		{"003-2_1_passwords", 4, 5},
		{"004-3_logging", 6, 7},
	}
	for i, w := range want {
		s := m.Sections[i]
		assert.Equal(t, w.folder, s.Folder)
		assert.Equal(t, w.start, s.StartPage, s.Title)
		assert.Equal(t, w.end, s.EndPage, s.Title)
		assert.LessOrEqual(t, 0, s.StartPage)
		assert.LessOrEqual(t, s.StartPage, s.EndPage)
		assert.Less(t, s.EndPage, m.PageCount)
	}
	assert.Equal(t, []string{"2 Access Control"}, m.Sections[2].ParentPath)

	raw, err := os.ReadFile(filepath.Join(dir, "sections", "002-2_access_control", ContentFile))
	require.NoError(t, err)
	var content model.SectionContent
	require.NoError(t, json.Unmarshal(raw, &content))
	assert.True(t, strings.HasPrefix(content.Text, "2 Access Control"))
	assert.Contains(t, content.Text, "more passwords rules")
	assert.Empty(t, content.PDFFile)

	manifest, err := ReadManifest(dir)
	require.NoError(t, err)
	assert.Equal(t, m, manifest)
}

func TestProcess_SamePageCrop(t *testing.T) {
	doc := pdf.NewMemory("same.pdf", []string{
		"preface\nA Title\nalpha text\nB Title\nbeta text",
		"more beta",
	})
	idx := model.IndexResult{Items: []model.IndexItem{
		{Level: 1, Title: "A Title", PageNumber: 1},
		{Level: 1, Title: "B Title", PageNumber: 1},
	}}
	dir := t.TempDir()

	_, err := Process(context.Background(), doc, idx, dir, Options{})
	require.NoError(t, err)

	got, err := Load(dir)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "A Title\nalpha text", got[0].Text)
	assert.Equal(t, "B Title\nbeta text\nmore beta", got[1].Text)
}

func TestProcess_Unresolved(t *testing.T) {
	doc := pdf.NewMemory("u.pdf", []string{"cover", "body"})
	idx := model.IndexResult{Items: []model.IndexItem{{Level: 1, Title: "Ghost", PageNumber: 2}}}

	m, err := Process(context.Background(), doc, idx, t.TempDir(), Options{})
	require.NoError(t, err)
	assert.Equal(t, []string{"Ghost"}, m.Unresolved)
	assert.Equal(t, 1, m.Sections[0].StartPage)
}

func TestProcess_EmptyIndexFallsBack(t *testing.T) {
	doc := pdf.NewMemory("full.pdf", []string{"page one", "page two", "page three"})

	m, err := Process(context.Background(), doc, model.IndexResult{}, t.TempDir(), Options{})
	require.NoError(t, err)
	assert.True(t, m.FullDoc)
	require.Len(t, m.Sections, 1)
	assert.Equal(t, 0, m.Sections[0].StartPage)
	assert.Equal(t, 2, m.Sections[0].EndPage)
}

func TestProcessFullDocument_PerPage(t *testing.T) {
	doc := pdf.NewMemory("full.pdf", []string{"page one", "page two", "page three"})
	dir := t.TempDir()

	m, err := ProcessFullDocument(context.Background(), doc, dir, true)
	require.NoError(t, err)
	require.Len(t, m.Sections, 3)
	assert.Equal(t, "Page 2", m.Sections[1].Title)
	assert.Equal(t, "002-page_2", m.Sections[1].Folder)

	got, err := Load(dir)
	require.NoError(t, err)
	require.Len(t, got, 3)
	assert.Equal(t, "page three", got[2].Text)
}

func TestProcess_Cancelled(t *testing.T) {
	doc, idx := offsetDoc()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := Process(ctx, doc, idx, t.TempDir(), Options{})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestIsTOCPage(t *testing.T) {
	assert.True(t, IsTOCPage("TABLE OF CONTENTS"))
	assert.True(t, IsTOCPage(strings.Repeat("Item ........ 3\n", 5)))
	assert.True(t, IsTOCPage(strings.Repeat("1. Scope 4\n", 5)))
	assert.False(t, IsTOCPage("1 Introduction\nThis standard applies."))
}

func TestSlug(t *testing.T) {
	assert.Equal(t, "2_1_passwords", Slug("2.1 Passwords"))
	assert.Equal(t, "section", Slug("***"))
	long := Slug(strings.Repeat("word ", 20))
	assert.LessOrEqual(t, len(long), 40)
	assert.False(t, strings.HasSuffix(long, "_"))
}

func TestHeadingOf(t *testing.T) {
	assert.Equal(t, "Scope", headingOf("1 Introduction > Scope"))
	assert.Equal(t, "1.1 Scope", headingOf("1.1 Scope"))
}
