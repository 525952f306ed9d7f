package report

import (
	"context"
	"encoding/base64"
	"fmt"
	"strings"
	"time"

	"github.com/chromedp/cdproto/page"
	"github.com/chromedp/chromedp"
	"go.uber.org/zap"
)

// Renderer turns a report's HTML into PDF bytes. Render failure degrades the
// session (completed -> partial) but never aborts finalization.
type Renderer interface {
	BuildReport(ctx context.Context, html string) ([]byte, error)
}

// ChromeRenderer prints the report through a headless Chrome instance.
// Requires Chrome/Chromium on the host.
type ChromeRenderer struct {
	execPath string
	timeout  time.Duration
	logger   *zap.Logger
}

// NewChromeRenderer creates a renderer with the given per-render timeout.
// execPath may be empty to use the Chrome found on PATH.
func NewChromeRenderer(execPath string, timeout time.Duration, logger *zap.Logger) *ChromeRenderer {
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	return &ChromeRenderer{execPath: execPath, timeout: timeout, logger: logger}
}

// BuildReport renders the HTML to A4 PDF.
func (r *ChromeRenderer) BuildReport(ctx context.Context, html string) ([]byte, error) {
	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("headless", true),
		chromedp.Flag("disable-gpu", true),
		chromedp.Flag("no-sandbox", true),
		chromedp.Flag("disable-dev-shm-usage", true),
	)
	if r.execPath != "" {
		opts = append(opts, chromedp.ExecPath(r.execPath))
	}
	allocCtx, cancel := chromedp.NewExecAllocator(ctx, opts...)
	defer cancel()

	browserCtx, cancel := chromedp.NewContext(allocCtx)
	defer cancel()

	browserCtx, cancel = context.WithTimeout(browserCtx, r.timeout)
	defer cancel()

	dataURL := "data:text/html;base64," + base64.StdEncoding.EncodeToString([]byte(html))

	var pdf []byte
	err := chromedp.Run(browserCtx,
		chromedp.Navigate(dataURL),
		chromedp.WaitReady("body"),
		chromedp.ActionFunc(func(ctx context.Context) error {
			buf, _, err := page.PrintToPDF().
				WithPrintBackground(true).
				WithPaperWidth(8.27).  // A4 inches
				WithPaperHeight(11.69).
				WithMarginTop(0.6).
				WithMarginBottom(0.6).
				WithMarginLeft(0.6).
				WithMarginRight(0.6).
				Do(ctx)
			if err != nil {
				return err
			}
			pdf = buf
			return nil
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("pdf render failed: %w", err)
	}

	r.logger.Debug("Rendered report PDF", zap.Int("bytes", len(pdf)))
	return pdf, nil
}

// HTMLFromMarkdown wraps report markdown in a printable HTML shell. Only the
// structures the synthesis steps emit are handled: headings, bullets and
// paragraphs.
func HTMLFromMarkdown(md string) string {
	var b strings.Builder
	b.WriteString(`<!DOCTYPE html><html><head><meta charset="utf-8"><style>
body { font-family: Georgia, serif; font-size: 11pt; line-height: 1.5; color: #1a1a1a; }
h1 { font-size: 18pt; border-bottom: 1px solid #ccc; padding-bottom: 4px; }
h2 { font-size: 14pt; margin-top: 18px; }
h3 { font-size: 12pt; }
li { margin: 2px 0; }
</style></head><body>`)

	inList := false
	for _, line := range strings.Split(md, "\n") {
		trimmed := strings.TrimSpace(line)
		if strings.HasPrefix(trimmed, "- ") || strings.HasPrefix(trimmed, "* ") {
			if !inList {
				b.WriteString("<ul>")
				inList = true
			}
			b.WriteString("<li>" + escapeHTML(trimmed[2:]) + "</li>")
			continue
		}
		if inList {
			b.WriteString("</ul>")
			inList = false
		}
		switch {
		case strings.HasPrefix(trimmed, "### "):
			b.WriteString("<h3>" + escapeHTML(trimmed[4:]) + "</h3>")
		case strings.HasPrefix(trimmed, "## "):
			b.WriteString("<h2>" + escapeHTML(trimmed[3:]) + "</h2>")
		case strings.HasPrefix(trimmed, "# "):
			b.WriteString("<h1>" + escapeHTML(trimmed[2:]) + "</h1>")
		case trimmed == "":
			// paragraph break handled by the next text line
		default:
			b.WriteString("<p>" + escapeHTML(trimmed) + "</p>")
		}
	}
	if inList {
		b.WriteString("</ul>")
	}
	b.WriteString("</body></html>")
	return b.String()
}

func escapeHTML(s string) string {
	s = strings.ReplaceAll(s, "&", "&amp;")
	s = strings.ReplaceAll(s, "<", "&lt;")
	s = strings.ReplaceAll(s, ">", "&gt;")
	return s
}
