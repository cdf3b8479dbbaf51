// Package document turns uploaded exhibits into a case file and the model's
// answer into the downloadable PDF packet.
package document

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log"
	"regexp"
	"strings"

	"github.com/cloudwego/eino-ext/components/document/loader/file"
	"github.com/cloudwego/eino-ext/components/document/parser/pdf"
	"github.com/cloudwego/eino/components/document"
	"github.com/cloudwego/eino/components/document/parser"
	"github.com/cloudwego/eino/schema"
	pdfreader "github.com/dslipak/pdf"

	"motionforge/internal/models"
)

// Extractor reads exhibit text through the eino file loader.
type Extractor struct {
	loader document.Loader
}

func NewExtractor(ctx context.Context) (*Extractor, error) {
	pdfParser, err := pdf.NewPDFParser(ctx, &pdf.Config{})
	if err != nil {
		return nil, fmt.Errorf("init pdf parser: %w", err)
	}
	parserExt, err := parser.NewExtParser(ctx, &parser.ExtParserConfig{
		Parsers:        map[string]parser.Parser{".pdf": &rowParser{fallback: pdfParser}},
		FallbackParser: parser.TextParser{},
	})
	if err != nil {
		return nil, fmt.Errorf("init ext parser: %w", err)
	}
	loader, err := file.NewFileLoader(ctx, &file.FileLoaderConfig{
		UseNameAsID: true,
		Parser:      parserExt,
	})
	if err != nil {
		return nil, fmt.Errorf("init file loader: %w", err)
	}
	return &Extractor{loader: loader}, nil
}

// ExtractText returns the text of every page joined by newlines.
func (e *Extractor) ExtractText(ctx context.Context, path string) (string, error) {
	docs, err := e.loader.Load(ctx, document.Source{URI: path})
	if err != nil {
		return "", fmt.Errorf("load %s: %w", path, err)
	}
	var builder strings.Builder
	for _, doc := range docs {
		content := strings.TrimSpace(doc.Content)
		if content == "" {
			continue
		}
		builder.WriteString(content)
		builder.WriteString("\n")
	}
	return builder.String(), nil
}

// rowParser emits one line per text row, top to bottom on each page.
// Documents with no row text go through the plain eino parser.
type rowParser struct {
	fallback parser.Parser
}

func (p *rowParser) Parse(ctx context.Context, reader io.Reader, opts ...parser.Option) ([]*schema.Document, error) {
	data, err := io.ReadAll(reader)
	if err != nil {
		return nil, fmt.Errorf("read pdf: %w", err)
	}
	text, err := pdfRows(data)
	if err != nil {
		log.Printf("[document] row extraction failed, falling back to plain text: %v", err)
	}
	if strings.TrimSpace(text) == "" {
		return p.fallback.Parse(ctx, bytes.NewReader(data), opts...)
	}
	common := parser.GetCommonOptions(nil, opts...)
	return []*schema.Document{{Content: text, MetaData: common.ExtraMeta}}, nil
}

func pdfRows(data []byte) (string, error) {
	r, err := pdfreader.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return "", fmt.Errorf("open pdf: %w", err)
	}
	var b strings.Builder
	for i := 1; i <= r.NumPage(); i++ {
		page := r.Page(i)
		if page.V.IsNull() {
			continue
		}
		rows, err := page.GetTextByRow()
		if err != nil {
			return "", fmt.Errorf("page %d: %w", i, err)
		}
		for _, row := range rows {
			for _, t := range row.Content {
				b.WriteString(t.S)
			}
			b.WriteString("\n")
		}
	}
	return b.String(), nil
}

// Prepare extracts all exhibits in label order and parses the defendant from Exhibit A.
func (e *Extractor) Prepare(ctx context.Context, exhibits []*models.Exhibit) (models.CaseFile, error) {
	byLabel := make(map[string]*models.Exhibit, len(exhibits))
	for _, ex := range exhibits {
		if ex != nil {
			byLabel[ex.Label] = ex
		}
	}
	cf := models.CaseFile{Defendant: ParseDefendant("")}
	for _, label := range models.ExhibitLabels {
		ex, ok := byLabel[label]
		if !ok {
			return cf, fmt.Errorf("%s is missing", label)
		}
		text, err := e.ExtractText(ctx, ex.StoredPath)
		if err != nil {
			return cf, fmt.Errorf("read %s (%s): %w", label, ex.FileName, err)
		}
		cf.Exhibits = append(cf.Exhibits, models.ExhibitText{Label: label, Text: text})
		if label == "exhibit_a" {
			cf.Defendant = ParseDefendant(text)
		}
	}
	return cf, nil
}

var (
	namePatterns = []*regexp.Regexp{
		regexp.MustCompile(`(?i)(?:defendant|respondent)[\s:]*([A-Z][a-z]+(?:\s+[A-Z][a-z]+)*)`),
		regexp.MustCompile(`(?i)(?:United States v\.)\s*([A-Z][a-z]+(?:\s+[A-Z][a-z]+)*)`),
		regexp.MustCompile(`(?i)(?:USA v\.)\s*([A-Z][a-z]+(?:\s+[A-Z][a-z]+)*)`),
	}
	caseNumberPatterns = []*regexp.Regexp{
		regexp.MustCompile(`(?i)(?:case\s+(?:no|number)[\.\:]?\s*)([0-9]{1,2}:[0-9]{2}[-cr]+[0-9]+)`),
		regexp.MustCompile(`(?i)([0-9]{1,2}:[0-9]{2}[-cr]+[0-9]+)`),
	}
	districtPatterns = []*regexp.Regexp{
		regexp.MustCompile(`(?i)(?:(?:United States )?District Court for the\s+)([^,\n]+)`),
		regexp.MustCompile(`(?i)(?:District of\s+)([A-Z][a-z]+(?:\s+[A-Z][a-z]+)*)`),
	}
)

// ParseDefendant pulls name, case number and district out of Exhibit A.
// Fields that do not match stay UNKNOWN.
func ParseDefendant(text string) models.Defendant {
	return models.Defendant{
		Name:       firstMatch(text, namePatterns),
		CaseNumber: firstMatch(text, caseNumberPatterns),
		District:   firstMatch(text, districtPatterns),
	}
}

func firstMatch(text string, patterns []*regexp.Regexp) string {
	for _, re := range patterns {
		if m := re.FindStringSubmatch(text); m != nil {
			if v := strings.TrimSpace(m[1]); v != "" {
				return v
			}
		}
	}
	return models.Unknown
}
