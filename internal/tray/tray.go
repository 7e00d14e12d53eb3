// Package tray puts the loop toggle and a live status line in the system
// tray.
package tray

import (
	"fmt"
	"sync"

	"github.com/getlantern/systray"

	"github.com/ayusman/netra/internal/detection"
)

// Tray is the system tray menu.
type Tray struct {
	onToggle func(enabled bool)
	onOpenUI func()
	onQuit   func()
	enabled  bool
	status   string
	mu       sync.RWMutex

	menuToggle *systray.MenuItem
	menuStatus *systray.MenuItem
}

// New creates a Tray showing the given enablement.
func New(enabled bool) *Tray {
	t := &Tray{status: StatusLine(0, nil)}
	t.setEnabledLocked(enabled)
	return t
}

// OnToggle sets the callback run when the user flips the toggle.
func (t *Tray) OnToggle(fn func(enabled bool)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.onToggle = fn
}

// OnOpenUI sets the callback run when the user asks for the web UI.
func (t *Tray) OnOpenUI(fn func()) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.onOpenUI = fn
}

// OnQuit sets the callback run when the user quits.
func (t *Tray) OnQuit(fn func()) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.onQuit = fn
}

// Run shows the tray and blocks until Quit.
func (t *Tray) Run() {
	systray.Run(t.onReady, func() {})
}

// Quit removes the tray and makes Run return.
func (t *Tray) Quit() {
	systray.Quit()
}

func (t *Tray) onReady() {
	systray.SetTitle("Netra")
	systray.SetTooltip("Netra live classification")

	t.mu.Lock()
	t.menuToggle = systray.AddMenuItem(ToggleTitle(t.enabled), "Toggle the inference loop")
	systray.AddSeparator()
	t.menuStatus = systray.AddMenuItem(t.status, "Frame rate and top detection")
	t.menuStatus.Disable()
	t.mu.Unlock()
	systray.AddSeparator()

	menuOpen := systray.AddMenuItem("Open Viewer...", "Open the live view in a browser")
	systray.AddSeparator()
	menuQuit := systray.AddMenuItem("Quit", "Quit Netra")

	go func() {
		for {
			select {
			case <-t.menuToggle.ClickedCh:
				t.handleToggle()
			case <-menuOpen.ClickedCh:
				t.handleOpenUI()
			case <-menuQuit.ClickedCh:
				t.handleQuit()
				return
			}
		}
	}()
}

func (t *Tray) handleToggle() {
	t.mu.Lock()
	enabled := !t.enabled
	t.setEnabledLocked(enabled)
	callback := t.onToggle
	t.mu.Unlock()

	if callback != nil {
		callback(enabled)
	}
}

func (t *Tray) handleOpenUI() {
	t.mu.RLock()
	callback := t.onOpenUI
	t.mu.RUnlock()

	if callback != nil {
		callback()
	}
}

func (t *Tray) handleQuit() {
	t.mu.RLock()
	callback := t.onQuit
	t.mu.RUnlock()

	if callback != nil {
		callback()
	}

	systray.Quit()
}

// SetEnabled reflects an enablement change made elsewhere.
func (t *Tray) SetEnabled(enabled bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.setEnabledLocked(enabled)
}

// setEnabledLocked updates the toggle. A disabled loop publishes nothing, so
// the status line switches to PausedLine until cycles resume.
func (t *Tray) setEnabledLocked(enabled bool) {
	t.enabled = enabled
	if t.menuToggle != nil {
		t.menuToggle.SetTitle(ToggleTitle(enabled))
	}
	if !enabled {
		t.setStatusLocked(PausedLine)
	}
}

// SetStatus updates the status line. Unchanged text is not redrawn.
func (t *Tray) SetStatus(fps int, dets []detection.Detection) {
	line := StatusLine(fps, dets)

	t.mu.Lock()
	defer t.mu.Unlock()
	t.setStatusLocked(line)
}

func (t *Tray) setStatusLocked(line string) {
	if line == t.status {
		return
	}
	t.status = line
	if t.menuStatus != nil {
		t.menuStatus.SetTitle(line)
	}
}

// Status returns the current status line.
func (t *Tray) Status() string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.status
}

// IsEnabled returns the enablement shown in the menu.
func (t *Tray) IsEnabled() bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.enabled
}

// PausedLine is the status line shown while the loop is disabled.
const PausedLine = "paused"

// ToggleTitle returns the toggle item label.
func ToggleTitle(enabled bool) string {
	if enabled {
		return "● Enabled"
	}
	return "○ Disabled"
}

// StatusLine formats the frame rate and the most confident detection.
func StatusLine(fps int, dets []detection.Detection) string {
	top, ok := detection.Highest(dets)
	if !ok {
		return fmt.Sprintf("%d fps · nothing detected", fps)
	}
	return fmt.Sprintf("%d fps · %s", fps, detection.Label(top))
}
