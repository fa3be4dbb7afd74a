// Package usbgadget manipulates the kernel's USB ConfigFS gadget tree
// (Component A, spec.md §4.A): materializing and tearing down "default" and
// "accessory" gadget compositions and resolving the accessory character
// device path.
package usbgadget

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// Composition names the two canonical gadget compositions spec.md §3 defines.
type Composition string

const (
	CompositionDefault   Composition = "default"
	CompositionAccessory Composition = "accessory"
)

// Sentinel errors, fatal to the Orchestrator per spec.md §4.A / §7.
var (
	ErrFSAbsent     = errors.New("usbgadget: configfs not mounted")
	ErrUDCNotFound  = errors.New("usbgadget: no UDC controller found")
	ErrBusy         = errors.New("usbgadget: another composition already bound")
)

// Controller owns the ConfigFS gadget tree. At most one composition is bound
// to the UDC at a time (spec.md §3 invariant 1).
type Controller struct {
	configfsRoot string // normally /sys/kernel/config/usb_gadget
	udcRoot      string // normally /sys/class/udc
	gadgetName   string

	bound Composition // "" when nothing is bound
}

// Option configures a Controller for tests (overriding the sysfs roots).
type Option func(*Controller)

// WithRoots overrides the ConfigFS and UDC sysfs roots, for testing against
// a fake filesystem tree instead of the real kernel.
func WithRoots(configfsRoot, udcRoot string) Option {
	return func(c *Controller) {
		c.configfsRoot = configfsRoot
		c.udcRoot = udcRoot
	}
}

// New creates a Controller for the gadget named gadgetName (e.g. "g1").
func New(gadgetName string, opts ...Option) *Controller {
	c := &Controller{
		configfsRoot: "/sys/kernel/config/usb_gadget",
		udcRoot:      "/sys/class/udc",
		gadgetName:   gadgetName,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Controller) gadgetDir() string {
	return filepath.Join(c.configfsRoot, c.gadgetName)
}

func (c *Controller) udcFile() string {
	return filepath.Join(c.gadgetDir(), "UDC")
}

func (c *Controller) compositionLink(comp Composition) string {
	return filepath.Join(c.gadgetDir(), "configs", "c.1", string(comp))
}

// resolveUDC returns the configured UDC name, or auto-discovers the first
// one present under the UDC sysfs root.
func (c *Controller) resolveUDC(configured string) (string, error) {
	if configured != "" {
		return configured, nil
	}
	entries, err := os.ReadDir(c.udcRoot)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrUDCNotFound, err)
	}
	for _, e := range entries {
		if !strings.HasPrefix(e.Name(), ".") {
			return e.Name(), nil
		}
	}
	return "", ErrUDCNotFound
}

func (c *Controller) checkFS() error {
	if _, err := os.Stat(c.configfsRoot); err != nil {
		return fmt.Errorf("%w: %v", ErrFSAbsent, err)
	}
	return nil
}

// Enable atomically binds comp to udc (or an auto-discovered UDC if udc is
// empty). Fails with ErrBusy if a different composition is already bound.
func (c *Controller) Enable(comp Composition, udc string) error {
	if err := c.checkFS(); err != nil {
		return err
	}
	if c.bound != "" && c.bound != comp {
		return fmt.Errorf("%w: %s already bound", ErrBusy, c.bound)
	}

	resolved, err := c.resolveUDC(udc)
	if err != nil {
		return err
	}

	if err := os.MkdirAll(filepath.Join(c.gadgetDir(), "configs", "c.1"), 0755); err != nil {
		return fmt.Errorf("usbgadget: create config dir: %w", err)
	}
	if err := c.linkFunctions(comp); err != nil {
		return err
	}
	if err := os.WriteFile(c.udcFile(), []byte(resolved), 0644); err != nil {
		return fmt.Errorf("usbgadget: bind UDC: %w", err)
	}

	c.bound = comp
	return nil
}

// linkFunctions symlinks the function set for comp into the active config.
// The real kernel interface expects per-function directories under
// functions/<type>.<instance>; this creates the symlink the config
// expects once those functions have been created by the init script.
func (c *Controller) linkFunctions(comp Composition) error {
	link := c.compositionLink(comp)
	target := filepath.Join(c.gadgetDir(), "functions", string(comp)+".usb0")
	if _, err := os.Lstat(link); err == nil {
		return nil
	}
	return os.Symlink(target, link)
}

// Disable unbinds whatever composition is currently active by writing the
// empty string to UDC, then removes the active symlink.
func (c *Controller) Disable() error {
	if c.bound == "" {
		return nil
	}
	if err := os.WriteFile(c.udcFile(), []byte(""), 0644); err != nil {
		return fmt.Errorf("usbgadget: unbind UDC: %w", err)
	}
	_ = os.Remove(c.compositionLink(c.bound))
	c.bound = ""
	return nil
}

// TeardownAll disables any bound composition; safe to call when nothing is bound.
func (c *Controller) TeardownAll() error {
	return c.Disable()
}

// Bound reports the currently bound composition, or "" if none.
func (c *Controller) Bound() Composition {
	return c.bound
}

// AccessoryPath returns the accessory character device path. The device
// node itself is created asynchronously by the kernel once accessory is
// bound; callers should wait for pkg/uevent before opening it.
func (c *Controller) AccessoryPath() string {
	return "/dev/usb_accessory"
}

// DefaultPath returns the device node that signals the "default"
// composition has enumerated with the host. Legacy-mode PrepUSB waits on
// this node, not AccessoryPath, since accessory isn't bound until the
// later default→accessory switch in AwaitTCP.
func (c *Controller) DefaultPath() string {
	return "/dev/usb_default"
}

// ReadyPath returns the device node pkg/uevent should watch to detect comp's
// enumeration.
func (c *Controller) ReadyPath(comp Composition) string {
	if comp == CompositionDefault {
		return c.DefaultPath()
	}
	return c.AccessoryPath()
}
