package scraper

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"sync"
	"time"

	"github.com/chromedp/chromedp"

	"reuni-scraper/utils"
)

// Renderer returns the fully rendered HTML of a JavaScript-driven page.
type Renderer interface {
	Render(ctx context.Context, url string) (string, error)
}

// ChromeRenderer renders pages in a shared headless Chrome. The browser starts on first use.
type ChromeRenderer struct {
	chromeBin string
	settle    time.Duration
	logger    *utils.Logger

	once        sync.Once
	startErr    error
	browserCtx  context.Context
	cancelAlloc context.CancelFunc
	cancelTab   context.CancelFunc
}

// NewChromeRenderer creates a renderer; chromeBin may be empty to auto-detect.
func NewChromeRenderer(chromeBin string, logger *utils.Logger) *ChromeRenderer {
	return &ChromeRenderer{chromeBin: chromeBin, settle: 3 * time.Second, logger: logger}
}

func (r *ChromeRenderer) start() error {
	r.once.Do(func() {
		bin := r.chromeBin
		if bin == "" {
			bin = findChromeBinary()
		}
		r.logger.Info("[render] Using browser binary: %s", bin)

		opts := append(chromedp.DefaultExecAllocatorOptions[:],
			chromedp.Flag("headless", true),
			chromedp.Flag("disable-gpu", true),
			chromedp.Flag("no-sandbox", true),
			chromedp.Flag("disable-dev-shm-usage", true),
			chromedp.Flag("disable-setuid-sandbox", true),
			chromedp.UserAgent(UserAgent),
		)
		if bin != "" {
			opts = append(opts, chromedp.ExecPath(bin))
		}

		allocCtx, cancelAlloc := chromedp.NewExecAllocator(context.Background(), opts...)
		// Suppress chromedp log noise
		browserCtx, cancelTab := chromedp.NewContext(allocCtx, chromedp.WithLogf(func(string, ...interface{}) {}))
		if err := chromedp.Run(browserCtx); err != nil {
			cancelTab()
			cancelAlloc()
			r.startErr = fmt.Errorf("render: start browser: %w", err)
			return
		}
		r.browserCtx, r.cancelAlloc, r.cancelTab = browserCtx, cancelAlloc, cancelTab
	})
	return r.startErr
}

// Render opens url in a new tab, waits for the body, scrolls to trigger lazy loading and
// returns the document's outer HTML. ctx cancellation abandons the tab.
func (r *ChromeRenderer) Render(ctx context.Context, url string) (string, error) {
	if err := r.start(); err != nil {
		return "", err
	}

	tabCtx, cancel := chromedp.NewContext(r.browserCtx)
	defer cancel()
	stop := context.AfterFunc(ctx, cancel)
	defer stop()

	var html string
	err := chromedp.Run(tabCtx,
		chromedp.Navigate(url),
		chromedp.WaitReady("body", chromedp.ByQuery),
		chromedp.Sleep(r.settle),
		chromedp.Evaluate(`window.scrollTo(0, document.body.scrollHeight)`, nil),
		chromedp.Sleep(r.settle/2),
		chromedp.OuterHTML("html", &html, chromedp.ByQuery),
	)
	if err != nil {
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		return "", fmt.Errorf("render %s: %w", url, err)
	}
	return html, nil
}

// Close shuts the browser down.
func (r *ChromeRenderer) Close() {
	if r.cancelTab != nil {
		r.cancelTab()
	}
	if r.cancelAlloc != nil {
		r.cancelAlloc()
	}
}

// findChromeBinary locates Chrome/Chromium binary.
func findChromeBinary() string {
	if bin := os.Getenv("CHROME_BIN"); bin != "" {
		return bin
	}

	names := []string{"google-chrome-stable", "google-chrome", "chromium", "chromium-browser"}
	for _, name := range names {
		if path, err := exec.LookPath(name); err == nil {
			return path
		}
	}

	paths := []string{
		"/usr/bin/google-chrome-stable",
		"/usr/bin/google-chrome",
		"/usr/bin/chromium-browser",
		"/usr/bin/chromium",
		"/snap/bin/chromium",
		"/opt/google/chrome/google-chrome",
	}
	for _, p := range paths {
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}

	return ""
}
