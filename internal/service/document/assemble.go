package document

import (
	"archive/zip"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/go-pdf/fpdf"

	"motionforge/internal/models"
)

const (
	PacketFileName = "motion_packet.zip"

	pageMargin    = 72.0
	fontSize      = 12.0
	lineHeight    = 14.0
	paragraphGap  = 12.0
	downloadRoute = "/download/%s/%s"
)

// Section is one delimited document inside the model answer.
type Section struct {
	Kind     models.OutputKind
	FileName string
	pattern  *regexp.Regexp
	fallback string
}

// Sections in packet order.
var Sections = []Section{
	{
		Kind:     models.OutputMotion,
		FileName: "Motion.pdf",
		pattern:  regexp.MustCompile(`(?s)===MOTION START===(.*?)===MOTION END===`),
		fallback: "Motion could not be generated",
	},
	{
		Kind:     models.OutputMemo,
		FileName: "Memo.pdf",
		pattern:  regexp.MustCompile(`(?s)===MEMO START===(.*?)===MEMO END===`),
		fallback: "Memo could not be generated",
	},
	{
		Kind:     models.OutputDeclaration,
		FileName: "Declaration.pdf",
		pattern:  regexp.MustCompile(`(?s)===DECL START===(.*?)===DECL END===`),
		fallback: "Declaration could not be generated",
	},
}

// SplitSections returns the body of each section keyed by kind.
// A missing or empty section gets its fallback text.
func SplitSections(answer string) map[models.OutputKind]string {
	out := make(map[models.OutputKind]string, len(Sections))
	for _, sec := range Sections {
		body := ""
		if m := sec.pattern.FindStringSubmatch(answer); m != nil {
			body = strings.TrimSpace(m[1])
		}
		if body == "" {
			body = sec.fallback
		}
		out[sec.Kind] = body
	}
	return out
}

// Assembler writes the generated documents under baseDir/<session id>.
type Assembler struct {
	baseDir string
}

func NewAssembler(baseDir string) *Assembler {
	return &Assembler{baseDir: baseDir}
}

// SessionDir is where a session's exhibits and outputs live.
func (a *Assembler) SessionDir(sessionID string) string {
	return filepath.Join(a.baseDir, sessionID)
}

// Assemble renders the three PDFs and the ZIP packet, returning the files in
// packet order (packet last) and the download links for the done event.
func (a *Assembler) Assemble(ctx context.Context, sessionID, answer string) ([]*models.OutputFile, *models.DoneLinks, error) {
	dir := a.SessionDir(sessionID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, nil, fmt.Errorf("create session dir: %w", err)
	}

	bodies := SplitSections(answer)
	outputs := make([]*models.OutputFile, 0, len(Sections)+1)
	links := &models.DoneLinks{SessionID: sessionID}
	for _, sec := range Sections {
		if err := ctx.Err(); err != nil {
			return nil, nil, err
		}
		path := filepath.Join(dir, sec.FileName)
		if err := RenderPDF(path, bodies[sec.Kind]); err != nil {
			return nil, nil, fmt.Errorf("render %s: %w", sec.FileName, err)
		}
		out, err := describe(sessionID, sec.Kind, sec.FileName, path)
		if err != nil {
			return nil, nil, err
		}
		outputs = append(outputs, out)
		links.Files = append(links.Files, models.Link{
			Kind: sec.Kind,
			Name: sec.FileName,
			URL:  DownloadURL(sessionID, sec.FileName),
		})
	}

	zipPath := filepath.Join(dir, PacketFileName)
	if err := WritePacket(zipPath, outputs); err != nil {
		return nil, nil, fmt.Errorf("write packet: %w", err)
	}
	packet, err := describe(sessionID, models.OutputPacket, PacketFileName, zipPath)
	if err != nil {
		return nil, nil, err
	}
	outputs = append(outputs, packet)
	links.ZipURL = DownloadURL(sessionID, PacketFileName)
	return outputs, links, nil
}

func DownloadURL(sessionID, fileName string) string {
	return fmt.Sprintf(downloadRoute, sessionID, fileName)
}

func describe(sessionID string, kind models.OutputKind, name, path string) (*models.OutputFile, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("stat %s: %w", name, err)
	}
	return &models.OutputFile{
		SessionID:  sessionID,
		Kind:       kind,
		FileName:   name,
		StoredPath: path,
		Size:       info.Size(),
		CreatedAt:  time.Now().UTC(),
	}, nil
}

// RenderPDF writes text to a Letter page PDF with one-inch margins, one
// paragraph per blank-line separated block.
func RenderPDF(path, text string) error {
	pdf := fpdf.New("P", "pt", "Letter", "")
	pdf.SetMargins(pageMargin, pageMargin, pageMargin)
	pdf.SetAutoPageBreak(true, pageMargin)
	pdf.AddPage()
	pdf.SetFont("Times", "", fontSize)
	tr := pdf.UnicodeTranslatorFromDescriptor("")

	for _, para := range strings.Split(text, "\n\n") {
		para = strings.TrimSpace(para)
		if para == "" {
			continue
		}
		pdf.MultiCell(0, lineHeight, tr(para), "", "L", false)
		pdf.Ln(paragraphGap)
	}
	if err := pdf.Error(); err != nil {
		return err
	}
	return pdf.OutputFileAndClose(path)
}

// WritePacket zips the given files flat, by file name.
func WritePacket(path string, files []*models.OutputFile) error {
	tmp := path + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		return err
	}
	zw := zip.NewWriter(f)
	for _, out := range files {
		if err := addToZip(zw, out); err != nil {
			zw.Close()
			f.Close()
			os.Remove(tmp)
			return err
		}
	}
	if err := zw.Close(); err != nil {
		f.Close()
		os.Remove(tmp)
		return err
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return err
	}
	return os.Rename(tmp, path)
}

func addToZip(zw *zip.Writer, out *models.OutputFile) error {
	src, err := os.Open(out.StoredPath)
	if err != nil {
		return err
	}
	defer src.Close()
	w, err := zw.CreateHeader(&zip.FileHeader{
		Name:     out.FileName,
		Method:   zip.Deflate,
		Modified: time.Now(),
	})
	if err != nil {
		return err
	}
	_, err = io.Copy(w, src)
	return err
}
