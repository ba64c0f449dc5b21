package partition

import (
	"fmt"

	"github.com/tinyrange/vpic/internal/fdt"
)

const (
	vmpicPhandle = 1

	// Second interrupt specifier cell of every vmpic interrupt.
	senseCell = 2
)

// DeviceTree returns the nodes guest g uses to find its handles: the
// vmpic controller, one node per interrupt source and one per doorbell
// endpoint.
func (g *Guest) DeviceTree() fdt.Node {
	root := fdt.Node{Name: ""}
	root.Set("#address-cells", fdt.U32(1))
	root.Set("#size-cells", fdt.U32(0))

	hv := fdt.Node{Name: "hypervisor"}
	hv.Set("compatible", fdt.Strings("epapr,hypervisor-1"))
	root.AddChild(hv)

	pic := fdt.Node{Name: "vmpic"}
	pic.Set("compatible", fdt.Strings("fsl,hv-vmpic"))
	pic.Set("interrupt-controller", fdt.Flag())
	pic.Set("#interrupt-cells", fdt.U32(2))
	pic.Set("phandle", fdt.U32(vmpicPhandle))
	root.AddChild(pic)

	handles := fdt.Node{Name: "handles"}
	handles.Set("#address-cells", fdt.U32(1))
	handles.Set("#size-cells", fdt.U32(0))
	for _, s := range g.sources {
		n := fdt.Node{Name: s.name}
		n.Set("interrupt-parent", fdt.U32(vmpicPhandle))
		n.Set("interrupts", fdt.U32(uint32(s.handle), senseCell))
		n.Set("fsl,vcpu", fdt.U32(s.vcpu))
		if s.irq != nil {
			n.Set("fsl,hv-irq", fdt.U32(*s.irq))
		}
		handles.AddChild(n)
	}
	for _, e := range g.sends {
		n := fdt.Node{Name: fmt.Sprintf("%s-send@%d", e.doorbell, e.handle)}
		n.Set("compatible", fdt.Strings("fsl,hv-doorbell-send-handle", "epapr,hv-send-doorbell"))
		n.Set("reg", fdt.U32(uint32(e.handle)))
		handles.AddChild(n)
	}
	for _, e := range g.recvs {
		n := fdt.Node{Name: fmt.Sprintf("%s-receive@%d", e.doorbell, e.handle)}
		n.Set("compatible", fdt.Strings("fsl,hv-doorbell-receive-handle", "epapr,hv-receive-doorbell"))
		n.Set("interrupt-parent", fdt.U32(vmpicPhandle))
		n.Set("interrupts", fdt.U32(uint32(e.handle), senseCell))
		n.Set("fsl,vcpu", fdt.U32(e.vcpu))
		handles.AddChild(n)
	}
	root.AddChild(handles)
	return root
}

// DeviceTreeBlob returns DeviceTree serialized as a flattened device tree.
func (g *Guest) DeviceTreeBlob() ([]byte, error) {
	blob, err := fdt.Build(g.DeviceTree())
	if err != nil {
		return nil, fmt.Errorf("guest %q: %w", g.Name, err)
	}
	return blob, nil
}
