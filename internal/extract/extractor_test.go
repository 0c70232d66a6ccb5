package extract

import (
	"archive/zip"
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/kotae-ai/kotae/internal/models"
)

func TestExtractBytes_plain(t *testing.T) {
	e := NewExtractor()
	got, err := e.ExtractBytes([]byte("Hello world\nLine 2"), models.SourceText)
	if err != nil {
		t.Fatalf("ExtractBytes: %v", err)
	}
	if got != "Hello world\nLine 2" {
		t.Errorf("got %q", got)
	}
}

func TestExtractBytes_markdownInvalidUTF8(t *testing.T) {
	e := NewExtractor()
	got, err := e.ExtractBytes([]byte("hello\x80world"), models.SourceMarkdown)
	if err != nil {
		t.Fatalf("ExtractBytes: %v", err)
	}
	if got != "hello�world" {
		t.Errorf("got %q", got)
	}
}

// minimalDocx builds a .docx zip whose word/document.xml carries text in <w:t> tags.
func minimalDocx(text string) []byte {
	var buf bytes.Buffer
	w := zip.NewWriter(&buf)
	fw, _ := w.Create("word/document.xml")
	_, _ = fw.Write([]byte(`<w:document xmlns:w="http://schemas.openxmlformats.org/wordprocessingml/2006/main"><w:body><w:p w:rsidR="00A"><w:r><w:t xml:space="preserve">` + text + `</w:t></w:r></w:p></w:body></w:document>`))
	_ = w.Close()
	return buf.Bytes()
}

func TestExtractBytes_docx(t *testing.T) {
	e := NewExtractor()
	got, err := e.ExtractBytes(minimalDocx("NovaTech company profile"), models.SourceDOCX)
	if err != nil {
		t.Fatalf("ExtractBytes: %v", err)
	}
	if got != "NovaTech company profile" {
		t.Errorf("got %q", got)
	}
}

func TestExtractBytes_docxCorrupt(t *testing.T) {
	e := NewExtractor()
	if _, err := e.ExtractBytes([]byte("not a zip at all"), models.SourceDOCX); err == nil {
		t.Error("expected error for corrupt docx")
	}
}

func TestExtractBytes_pdfCorrupt(t *testing.T) {
	e := NewExtractor()
	if _, err := e.ExtractBytes([]byte("%PDF-garbage"), models.SourcePDF); err == nil {
		t.Error("expected error for corrupt pdf")
	}
}

func TestExtract_file(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "kb.txt")
	if err := os.WriteFile(path, []byte("NovaTech specializes in cloud infrastructure."), 0600); err != nil {
		t.Fatal(err)
	}
	e := NewExtractor()
	src, err := models.ResolveSource(path)
	if err != nil {
		t.Fatal(err)
	}
	got, err := e.Extract(src)
	if err != nil {
		t.Fatalf("Extract: %v", err)
	}
	if got != "NovaTech specializes in cloud infrastructure." {
		t.Errorf("got %q", got)
	}
}

func TestExtract_nonexistent(t *testing.T) {
	e := NewExtractor()
	if _, err := e.Extract(models.KnowledgeSource{Path: "/nonexistent/file.txt", Kind: models.SourceText}); err == nil {
		t.Error("expected error for nonexistent file")
	}
}

func TestExtractFile_unsupportedExtension(t *testing.T) {
	e := NewExtractor()
	_, err := e.ExtractFile("payload.exe")
	if !errors.Is(err, ErrUnsupportedFormat) {
		t.Errorf("err = %v, want ErrUnsupportedFormat", err)
	}
}
