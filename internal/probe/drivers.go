// internal/probe/drivers.go
package probe

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
)

// Drivers lists driver to device bindings under /sys/bus and the loaded
// kernel modules. Option "bus" restricts bindings to one bus.
type Drivers struct{}

func (Drivers) Name() string { return "drivers" }

func (Drivers) Description() string {
	return "driver/device bindings per bus and loaded modules (option bus=<name>)"
}

func (Drivers) Timeout(Options) time.Duration { return 30 * time.Second }

func (Drivers) Validate(opts Options) error {
	return checkWord(opts, "bus")
}

func (Drivers) BuildScript(opts Options) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "want=%s\n", opts["bus"])
	sb.WriteString(`for d in /sys/bus/*/drivers/*; do
  [ -d "$d" ] || continue
  bus=${d#/sys/bus/}; bus=${bus%%/*}
  [ -z "$want" ] || [ "$bus" = "$want" ] || continue
  drv=${d##*/}
  for l in "$d"/*; do
    [ -L "$l" ] || continue
    dev=${l##*/}
    case "$dev" in module|bind|unbind|uevent|new_id|remove_id) continue ;; esac
    echo "DRIVER $bus $drv $dev"
  done
done
if [ -r /proc/modules ]; then
  while read -r name size refs rest; do echo "MODULE $name $size $refs"; done < /proc/modules
fi`)
	return sb.String()
}

// Binding is one device bound to a driver
type Binding struct {
	Bus    string `json:"bus"`
	Driver string `json:"driver"`
	Device string `json:"device"`
}

// Module is one loaded kernel module
type Module struct {
	Name string `json:"name"`
	Size uint64 `json:"size"`
	Refs int    `json:"refs"`
}

// DriversReport is the parsed drivers payload
type DriversReport struct {
	base
	Bindings []Binding `json:"bindings"`
	Modules  []Module  `json:"modules"`
}

func (Drivers) Parse(payload string) Report {
	r := &DriversReport{base: base{Probe: "drivers"}}
	for _, line := range payloadLines(payload) {
		f := strings.Fields(line)
		if len(f) == 0 {
			continue
		}
		switch {
		case f[0] == "DRIVER":
			if len(f) != 4 {
				r.warn("binding", fmt.Sprintf("malformed line %q", line))
				continue
			}
			r.Bindings = append(r.Bindings, Binding{Bus: f[1], Driver: f[2], Device: f[3]})
		case f[0] == "MODULE":
			if len(f) != 4 {
				r.warn("module", fmt.Sprintf("malformed line %q", line))
				continue
			}
			size, err := strconv.ParseUint(f[2], 10, 64)
			if err != nil {
				r.warn("module", fmt.Sprintf("%s: bad size %q", f[1], f[2]))
			}
			refs, err := strconv.Atoi(f[3])
			if err != nil {
				r.warn("module", fmt.Sprintf("%s: bad refcount %q", f[1], f[3]))
			}
			r.Modules = append(r.Modules, Module{Name: f[1], Size: size, Refs: refs})
		}
	}
	if len(r.Bindings) == 0 {
		r.warn("bindings", "no driver bindings found")
	}
	sort.SliceStable(r.Bindings, func(i, j int) bool {
		a, b := r.Bindings[i], r.Bindings[j]
		if a.Bus != b.Bus {
			return a.Bus < b.Bus
		}
		if a.Driver != b.Driver {
			return a.Driver < b.Driver
		}
		return a.Device < b.Device
	})
	return r
}

// Buses returns the distinct buses with bindings, sorted
func (r *DriversReport) Buses() []string {
	var out []string
	for i, b := range r.Bindings {
		if i == 0 || r.Bindings[i-1].Bus != b.Bus {
			out = append(out, b.Bus)
		}
	}
	return out
}

func (r *DriversReport) Markdown() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "## Drivers\n\n%d bindings on %d buses, %d modules loaded\n", len(r.Bindings), len(r.Buses()), len(r.Modules))

	for _, bus := range r.Buses() {
		fmt.Fprintf(&sb, "\n### %s\n\n| Driver | Device |\n|---|---|\n", bus)
		for _, b := range r.Bindings {
			if b.Bus == bus {
				fmt.Fprintf(&sb, "| %s | %s |\n", cell(b.Driver), cell(b.Device))
			}
		}
	}
	if len(r.Modules) > 0 {
		sb.WriteString("\n### Modules\n\n| Module | Size | Used by |\n|---|---|---|\n")
		for _, m := range r.Modules {
			fmt.Fprintf(&sb, "| %s | %s | %d |\n", cell(m.Name), humanize.IBytes(m.Size), m.Refs)
		}
	}
	r.warningsMarkdown(&sb)
	return sb.String()
}

func (r *DriversReport) JSON() ([]byte, error) { return marshal(r) }
