package browser

import (
	"context"
	"fmt"
	"time"

	"github.com/chromedp/cdproto/page"
	"github.com/chromedp/chromedp"
)

// PDFOptions controls page chrome for printed documents.
type PDFOptions struct {
	HeaderTemplate string
	FooterTemplate string
}

// A4 paper in inches with 20mm margins.
const (
	a4Width    = 8.27
	a4Height   = 11.69
	marginInch = 0.787
)

// PrintPDF renders html in a fresh session and prints it as an A4 PDF.
func (f *Factory) PrintPDF(ctx context.Context, html string, opts PDFOptions) ([]byte, error) {
	sess, err := f.Open(ctx)
	if err != nil {
		return nil, err
	}
	defer sess.Close() //nolint:errcheck // Close never fails
	s, ok := sess.(*session)
	if !ok {
		return nil, fmt.Errorf("unexpected session type %T", sess)
	}

	var buf []byte
	printAction := chromedp.ActionFunc(func(ctx context.Context) error {
		tree, err := page.GetFrameTree().Do(ctx)
		if err != nil {
			return fmt.Errorf("get frame tree: %w", err)
		}
		if err := page.SetDocumentContent(tree.Frame.ID, html).Do(ctx); err != nil {
			return fmt.Errorf("set document content: %w", err)
		}
		params := page.PrintToPDF().
			WithPaperWidth(a4Width).
			WithPaperHeight(a4Height).
			WithMarginTop(marginInch).
			WithMarginBottom(marginInch).
			WithMarginLeft(marginInch).
			WithMarginRight(marginInch).
			WithPrintBackground(true)
		if opts.HeaderTemplate != "" || opts.FooterTemplate != "" {
			params = params.
				WithDisplayHeaderFooter(true).
				WithHeaderTemplate(opts.HeaderTemplate).
				WithFooterTemplate(opts.FooterTemplate)
		}
		data, _, err := params.Do(ctx)
		if err != nil {
			return fmt.Errorf("print to pdf: %w", err)
		}
		buf = data
		return nil
	})

	if err := s.run(ctx, f.printTimeout(), chromedp.Navigate("about:blank"), printAction); err != nil {
		return nil, fmt.Errorf("render pdf: %w", err)
	}
	return buf, nil
}

func (f *Factory) printTimeout() time.Duration {
	return 3 * f.navTimeout()
}
