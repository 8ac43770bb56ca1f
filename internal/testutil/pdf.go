// Package testutil builds small fixture documents for tests.
package testutil

import (
	"bytes"
	"fmt"
	"strings"

	"github.com/pdfcpu/pdfcpu/pkg/api"
	"github.com/pdfcpu/pdfcpu/pkg/pdfcpu/model"
)

// BuildPDF returns a minimal single-font PDF with one page per entry of
// pages. Each page's text is drawn line by line; an empty string gives a
// blank page. Only ASCII text is supported.
func BuildPDF(pages ...string) []byte {
	var objects []string

	kids := make([]string, len(pages))
	for i := range pages {
		kids[i] = fmt.Sprintf("%d 0 R", 4+2*i)
	}
	objects = append(objects,
		"<< /Type /Catalog /Pages 2 0 R >>",
		fmt.Sprintf("<< /Type /Pages /Kids [%s] /Count %d /MediaBox [0 0 612 792] >>", strings.Join(kids, " "), len(pages)),
		"<< /Type /Font /Subtype /Type1 /BaseFont /Helvetica /Encoding /WinAnsiEncoding >>",
	)
	for i, text := range pages {
		content := pageContent(text)
		objects = append(objects,
			fmt.Sprintf("<< /Type /Page /Parent 2 0 R /Resources << /Font << /F1 3 0 R >> >> /Contents %d 0 R >>", 5+2*i),
			fmt.Sprintf("<< /Length %d >>\nstream\n%s\nendstream", len(content), content),
		)
	}

	var buf bytes.Buffer
	buf.WriteString("%PDF-1.4\n")
	offsets := make([]int, len(objects))
	for i, obj := range objects {
		offsets[i] = buf.Len()
		fmt.Fprintf(&buf, "%d 0 obj\n%s\nendobj\n", i+1, obj)
	}

	xref := buf.Len()
	fmt.Fprintf(&buf, "xref\n0 %d\n", len(objects)+1)
	buf.WriteString("0000000000 65535 f \n")
	for _, off := range offsets {
		fmt.Fprintf(&buf, "%010d 00000 n \n", off)
	}
	fmt.Fprintf(&buf, "trailer\n<< /Size %d /Root 1 0 R >>\nstartxref\n%d\n%%%%EOF\n", len(objects)+1, xref)
	return buf.Bytes()
}

// EncryptPDF encrypts data with the passwords and cipher of conf, e.g.
// model.NewAESConfiguration("user", "owner", 256).
func EncryptPDF(data []byte, conf *model.Configuration) ([]byte, error) {
	var buf bytes.Buffer
	if err := api.Encrypt(bytes.NewReader(data), &buf, conf); err != nil {
		return nil, fmt.Errorf("failed to encrypt fixture: %w", err)
	}
	return buf.Bytes(), nil
}

func pageContent(text string) string {
	if text == "" {
		return ""
	}
	var b strings.Builder
	b.WriteString("BT /F1 12 Tf 14 TL 72 720 Td ")
	for i, line := range strings.Split(text, "\n") {
		if i > 0 {
			b.WriteString("T* ")
		}
		fmt.Fprintf(&b, "(%s) Tj ", escape(line))
	}
	b.WriteString("ET")
	return b.String()
}

func escape(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `(`, `\(`, `)`, `\)`)
	return r.Replace(s)
}
