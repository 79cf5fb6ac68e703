package meet

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/playwright-community/playwright-go"
)

// launchArgs let Chromium join without real media devices and play meeting
// audio into the selected output device
var launchArgs = []string{
	"--disable-blink-features=AutomationControlled",
	"--use-fake-ui-for-media-stream",
	"--expose-all-device-ids",
	"--shm-size=1g",
	"--no-sandbox",
	"--autoplay-policy=no-user-gesture-required",
	"--audio-output-channels=2",
}

// Config contains browser driver settings
type Config struct {
	Headless      bool
	BotName       string
	ActionTimeout time.Duration
	PollInterval  time.Duration
	ScreenshotDir string
}

// PlaywrightDriver joins meetings with a Playwright-controlled Chromium
type PlaywrightDriver struct {
	config Config
	logger *slog.Logger
}

// NewPlaywrightDriver creates a browser driver
func NewPlaywrightDriver(config Config, logger *slog.Logger) *PlaywrightDriver {
	if config.ActionTimeout <= 0 {
		config.ActionTimeout = 5 * time.Second
	}
	if config.PollInterval <= 0 {
		config.PollInterval = time.Second
	}
	if config.BotName == "" {
		config.BotName = "N8N TranscribeBot"
	}
	return &PlaywrightDriver{config: config, logger: logger}
}

// InstallBrowser downloads the Playwright driver and Chromium
func InstallBrowser() error {
	return playwright.Install(&playwright.RunOptions{Browsers: []string{"chromium"}})
}

// Connect launches a browser and opens the meeting page. On failure every
// acquired resource is released before returning.
func (d *PlaywrightDriver) Connect(ctx context.Context, meetingURL string) (Conn, error) {
	logger := d.logger.With(slog.String("meeting_url", meetingURL))

	pw, err := playwright.Run()
	if err != nil {
		return nil, fmt.Errorf("failed to start playwright: %w", err)
	}

	logger.Info("Starting browser", slog.Bool("headless", d.config.Headless))
	browser, err := pw.Chromium.Launch(playwright.BrowserTypeLaunchOptions{
		Headless: playwright.Bool(d.config.Headless),
		Args:     launchArgs,
	})
	if err != nil {
		pw.Stop()
		return nil, fmt.Errorf("failed to launch browser: %w", err)
	}

	conn := &playwrightConn{
		pw:      pw,
		browser: browser,
		config:  d.config,
		logger:  logger,
	}

	page, err := browser.NewPage()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to open page: %w", err)
	}
	page.SetDefaultTimeout(float64(d.config.ActionTimeout.Milliseconds()))
	conn.page = page
	conn.flow = &joinFlow{
		page:         conn,
		botName:      d.config.BotName,
		pollInterval: d.config.PollInterval,
		logger:       logger,
	}

	if err := ctx.Err(); err != nil {
		conn.Close()
		return nil, err
	}

	logger.Info("Entering meeting")
	if _, err := page.Goto(meetingURL); err != nil {
		conn.screenshot("connect-error")
		conn.Close()
		return nil, fmt.Errorf("failed to load meeting page: %w", err)
	}
	conn.pause(500 * time.Millisecond)

	return conn, nil
}

// playwrightConn is a Conn backed by one Chromium page
type playwrightConn struct {
	pw      *playwright.Playwright
	browser playwright.Browser
	page    playwright.Page
	flow    *joinFlow
	config  Config
	logger  *slog.Logger

	closeOnce sync.Once
	closeErr  error
}

func (c *playwrightConn) SelectDevice(ctx context.Context, name string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.flow.selectDevice(name)
	return nil
}

func (c *playwrightConn) RequestJoin(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.flow.requestJoin()
	return nil
}

func (c *playwrightConn) WaitForApproval(ctx context.Context, timeout time.Duration) bool {
	return c.flow.waitForApproval(ctx, timeout)
}

func (c *playwrightConn) WaitForEnd(ctx context.Context, timeout time.Duration) bool {
	return c.flow.waitForEnd(ctx, timeout)
}

// Close shuts down the browser and the Playwright driver
func (c *playwrightConn) Close() error {
	c.closeOnce.Do(func() {
		if c.browser != nil {
			if err := c.browser.Close(); err != nil {
				c.closeErr = fmt.Errorf("failed to close browser: %w", err)
			}
		}
		if err := c.pw.Stop(); err != nil && c.closeErr == nil {
			c.closeErr = fmt.Errorf("failed to stop playwright: %w", err)
		}
	})
	return c.closeErr
}

func (c *playwrightConn) timeout() *float64 {
	return playwright.Float(float64(c.config.ActionTimeout.Milliseconds()))
}

func (c *playwrightConn) click(what string, locator playwright.Locator) bool {
	if err := locator.WaitFor(playwright.LocatorWaitForOptions{
		State:   playwright.WaitForSelectorStateVisible,
		Timeout: c.timeout(),
	}); err != nil {
		c.logger.Warn("Element not found or not clickable", slog.String("element", what), slog.String("error", err.Error()))
		return false
	}
	if err := locator.Click(playwright.LocatorClickOptions{Timeout: c.timeout()}); err != nil {
		c.logger.Warn("Element not found or not clickable", slog.String("element", what), slog.String("error", err.Error()))
		return false
	}
	c.logger.Debug("Clicked element", slog.String("element", what))
	return true
}

func (c *playwrightConn) clickText(text string) bool {
	return c.click(text, c.page.GetByText(text).First())
}

func (c *playwrightConn) clickLabel(label string) bool {
	return c.click(label, c.page.GetByLabel(label).First())
}

func (c *playwrightConn) fillLabel(label, value string) bool {
	locator := c.page.GetByLabel(label).First()
	if err := locator.WaitFor(playwright.LocatorWaitForOptions{Timeout: c.timeout()}); err != nil {
		c.logger.Warn("Element not found or not fillable", slog.String("element", label), slog.String("error", err.Error()))
		return false
	}
	if err := locator.Fill(value); err != nil {
		c.logger.Warn("Element not found or not fillable", slog.String("element", label), slog.String("error", err.Error()))
		return false
	}
	c.logger.Debug("Filled element", slog.String("element", label))
	return true
}

func (c *playwrightConn) textVisible(text string) bool {
	visible, err := c.page.GetByText(text).First().IsVisible()
	return err == nil && visible
}

func (c *playwrightConn) labelVisible(label string) bool {
	visible, err := c.page.GetByLabel(label).First().IsVisible()
	return err == nil && visible
}

func (c *playwrightConn) pause(d time.Duration) {
	c.page.WaitForTimeout(float64(d.Milliseconds()))
}

// screenshot saves the page for post-mortem debugging. Best effort.
func (c *playwrightConn) screenshot(name string) {
	if c.config.ScreenshotDir == "" || c.page == nil {
		return
	}
	if err := os.MkdirAll(c.config.ScreenshotDir, 0755); err != nil {
		return
	}
	path := filepath.Join(c.config.ScreenshotDir, fmt.Sprintf("%s-%d.png", name, time.Now().Unix()))
	if _, err := c.page.Screenshot(playwright.PageScreenshotOptions{Path: playwright.String(path)}); err != nil {
		c.logger.Warn("Failed to save screenshot", slog.String("error", err.Error()))
		return
	}
	c.logger.Info("Saved screenshot", slog.String("path", path))
}
