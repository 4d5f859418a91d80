package probe

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/Christopher-Hayes/deskmon/internal/logging"
	"github.com/godbus/dbus/v5"
)

// D-Bus endpoints of the GNOME Shell FocusedWindow extension and Mutter's idle monitor.
const (
	focusedWindowDestination = "org.gnome.Shell"
	focusedWindowObjectPath  = "/org/gnome/shell/extensions/FocusedWindow"
	focusedWindowInterface   = "org.gnome.shell.extensions.FocusedWindow"
	focusedWindowMethod      = focusedWindowInterface + ".Get"

	idleMonitorDestination = "org.gnome.Mutter.IdleMonitor"
	idleMonitorObjectPath  = "/org/gnome/Mutter/IdleMonitor/Core"
	idleMonitorInterface   = "org.gnome.Mutter.IdleMonitor"
	idleMonitorMethod      = idleMonitorInterface + ".GetIdletime"
)

// mutterWindow is the JSON document returned by FocusedWindow.Get.
// Only the fields deskmon reads are declared.
type mutterWindow struct {
	Title           string `json:"title"`
	WmClass         string `json:"wm_class"`
	WmClassInstance string `json:"wm_class_instance"`
	Pid             int32  `json:"pid"`
	Focus           bool   `json:"focus"`
}

// AppName prefers the WM class and falls back to the instance name.
func (w mutterWindow) AppName() string {
	if w.WmClass != "" {
		return w.WmClass
	}
	return w.WmClassInstance
}

// Mutter queries GNOME/Mutter over the session bus. The connection is kept
// open between polls and re-established after a failed call.
type Mutter struct {
	mu   sync.Mutex
	conn *dbus.Conn
	log  *logging.Logger

	// connect is swapped in tests.
	connect func() (*dbus.Conn, error)
}

// NewMutter returns a probe that connects lazily on first use.
func NewMutter() *Mutter {
	return &Mutter{
		log:     logging.New("probe"),
		connect: func() (*dbus.Conn, error) { return dbus.ConnectSessionBus() },
	}
}

func (m *Mutter) session() (*dbus.Conn, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.conn != nil && m.conn.Connected() {
		return m.conn, nil
	}
	conn, err := m.connect()
	if err != nil {
		return nil, fmt.Errorf("failed to connect to session bus: %w", err)
	}
	m.log.Debugf("Connected to D-Bus session bus")
	m.conn = conn
	return conn, nil
}

func (m *Mutter) reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.conn != nil {
		m.conn.Close()
		m.conn = nil
	}
}

// IdleDuration asks Mutter's IdleMonitor how long the user has been idle.
func (m *Mutter) IdleDuration() (time.Duration, error) {
	conn, err := m.session()
	if err != nil {
		return 0, &Error{Op: "idle", Err: err}
	}
	call := conn.Object(idleMonitorDestination, dbus.ObjectPath(idleMonitorObjectPath)).Call(idleMonitorMethod, 0)
	if call.Err != nil {
		m.reset()
		return 0, &Error{Op: "idle", Err: fmt.Errorf("IdleMonitor.GetIdletime: %w", call.Err)}
	}
	var idleMs uint64
	if err := call.Store(&idleMs); err != nil {
		return 0, &Error{Op: "idle", Err: fmt.Errorf("parse IdleMonitor response: %w", err)}
	}
	d := time.Duration(idleMs) * time.Millisecond
	m.log.Debugf("Current idle time: %v (%d ms)", d, idleMs)
	return d, nil
}

// ForegroundWindow asks the FocusedWindow extension for the focused window.
func (m *Mutter) ForegroundWindow() (Window, error) {
	conn, err := m.session()
	if err != nil {
		return Window{}, &Error{Op: "window", Err: err}
	}
	call := conn.Object(focusedWindowDestination, dbus.ObjectPath(focusedWindowObjectPath)).Call(focusedWindowMethod, 0)
	if call.Err != nil {
		m.reset()
		return Window{}, &Error{Op: "window", Err: fmt.Errorf("FocusedWindow.Get: %w", call.Err)}
	}
	var raw string
	if err := call.Store(&raw); err != nil {
		return Window{}, &Error{Op: "window", Err: fmt.Errorf("parse D-Bus response: %w", err)}
	}
	return parseFocusedWindow(raw)
}

func parseFocusedWindow(raw string) (Window, error) {
	var w mutterWindow
	if err := json.Unmarshal([]byte(raw), &w); err != nil {
		return Window{}, &Error{Op: "window", Err: fmt.Errorf("parse window JSON: %w", err)}
	}
	return Window{AppName: w.AppName(), Title: w.Title}, nil
}

// Close releases the D-Bus connection.
func (m *Mutter) Close() error {
	m.reset()
	return nil
}

// Troubleshooting is printed by the CLI when the probe cannot be reached.
const Troubleshooting = `Troubleshooting:
  1. Verify extension is installed: gnome-extensions list | grep focused
  2. Enable if needed: gnome-extensions enable focused-window-dbus@nichijou.github.io
  3. Test D-Bus manually: gdbus call --session --dest org.gnome.Shell --object-path /org/gnome/shell/extensions/FocusedWindow --method org.gnome.shell.extensions.FocusedWindow.Get
  4. Verify you're running GNOME/Mutter: gdbus call --session --dest org.gnome.Mutter.IdleMonitor --object-path /org/gnome/Mutter/IdleMonitor/Core --method org.gnome.Mutter.IdleMonitor.GetIdletime`
