package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/davecgh/go-spew/spew"
	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"

	"github.com/apfaudio/tiliqua/internal/archive"
	"github.com/apfaudio/tiliqua/internal/detect"
	"github.com/apfaudio/tiliqua/internal/flash"
	"github.com/apfaudio/tiliqua/internal/flashtool"
	"github.com/apfaudio/tiliqua/internal/manifest"
	"github.com/apfaudio/tiliqua/internal/programmer"
	"github.com/apfaudio/tiliqua/internal/progproto"
	"github.com/apfaudio/tiliqua/internal/serial"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

var (
	portFlag    string
	baudFlag    int
	imageFlag   string
	slotFlag    int
	noEraseFlag bool
	forceFlag   bool
	dumpFlag    bool

	bitstreamFlag string
	firmwareFlag  string
	fwDstFlag     string
	xipAtFlag     string
	resourceFlags []string
	nameFlag      string
	briefFlag     string
	shaFlag       string
	hwRevFlag     uint32
	videoFlag     string
	outFlag       string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "tiliqua-flash",
		Short: "Flash and package Tiliqua bitstream archives",
		Long: `tiliqua-flash manages the multiboot flash of a Tiliqua.

The flash holds a bootloader plus 8 user slots. Each slot carries a
bitstream, optional firmware and resources, and a manifest committed
last so an interrupted flash never leaves a bootable-looking slot.

Archives are flashed either to a connected device (over the debug
bridge, auto-detected) or into a local flash image file with --image.`,
	}

	archiveCmd := &cobra.Command{
		Use:   "archive <file.tar.gz>",
		Short: "Flash a bitstream archive to a slot",
		Long: `Flash a bitstream archive to a slot.

The archive's manifest is relocated for the target slot, the slot is
erased, every payload is written, and the manifest is committed last.
Slot -1 is the bootloader region.`,
		Args: cobra.ExactArgs(1),
		RunE: runArchive,
	}
	archiveCmd.Flags().IntVarP(&slotFlag, "slot", "s", 0, "Target slot (0-7, -1 for bootloader)")
	archiveCmd.Flags().BoolVar(&noEraseFlag, "noerase", false, "Skip the whole-slot erase before writing")
	archiveCmd.Flags().BoolVar(&forceFlag, "force", false, "Flash despite a hardware revision mismatch")
	addDeviceFlags(archiveCmd)

	statusCmd := &cobra.Command{
		Use:   "status",
		Short: "Show what is flashed in every slot",
		RunE:  runStatus,
	}
	statusCmd.Flags().BoolVar(&dumpFlag, "dump", false, "Dump full manifests")
	addDeviceFlags(statusCmd)

	eraseCmd := &cobra.Command{
		Use:   "erase",
		Short: "Erase one slot completely",
		RunE:  runErase,
	}
	eraseCmd.Flags().IntVarP(&slotFlag, "slot", "s", 0, "Target slot (0-7, -1 for bootloader)")
	addDeviceFlags(eraseCmd)

	packCmd := &cobra.Command{
		Use:   "pack",
		Short: "Build a bitstream archive from its parts",
		Long: `Build a bitstream archive from a bitstream, optional firmware and
resources, and manifest metadata.

Firmware destined for working memory needs --fw-dst; bootloader
firmware that executes in place from flash needs --xip-at instead.
Resources are given as path@0xADDR with their working-memory
destination. Sizes and checksums are computed while packing; flash
placement happens at flash time.`,
		Args: cobra.NoArgs,
		RunE: runPack,
	}
	packCmd.Flags().StringVar(&bitstreamFlag, "bitstream", "", "Bitstream file (required)")
	packCmd.Flags().StringVar(&firmwareFlag, "firmware", "", "Firmware file")
	packCmd.Flags().StringVar(&fwDstFlag, "fw-dst", "", "Firmware working-memory destination, e.g. 0x100000")
	packCmd.Flags().StringVar(&xipAtFlag, "xip-at", "", "Fixed flash address for execute-in-place firmware")
	packCmd.Flags().StringArrayVar(&resourceFlags, "resource", nil, "Resource as path@0xADDR (repeatable)")
	packCmd.Flags().StringVar(&nameFlag, "name", "", "Image name (required)")
	packCmd.Flags().StringVar(&briefFlag, "brief", "", "One-line description")
	packCmd.Flags().StringVar(&shaFlag, "sha", "", "Source revision the image was built from")
	packCmd.Flags().Uint32Var(&hwRevFlag, "hw", 0, "Hardware revision the image targets")
	packCmd.Flags().StringVar(&videoFlag, "video", "", "Fixed video mode, or <none> for no video")
	packCmd.Flags().StringVarP(&outFlag, "out", "o", "", "Output archive (default <name>.tar.gz)")
	packCmd.MarkFlagRequired("bitstream")
	packCmd.MarkFlagRequired("name")

	unpackCmd := &cobra.Command{
		Use:   "unpack <file.tar.gz>",
		Short: "Unpack an archive and show its manifest",
		Args:  cobra.ExactArgs(1),
		RunE:  runUnpack,
	}
	unpackCmd.Flags().StringVarP(&outFlag, "out", "o", "", "Directory to extract members into")
	unpackCmd.Flags().BoolVar(&dumpFlag, "dump", false, "Dump the full manifest")

	versionCmd := &cobra.Command{
		Use:   "version",
		Short: "Show version info",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("tiliqua-flash %s\n", version)
			fmt.Printf("  commit: %s\n", commit)
			fmt.Printf("  built:  %s\n", date)
		},
	}

	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List available serial ports",
		RunE:  runList,
	}

	rootCmd.AddCommand(archiveCmd, statusCmd, eraseCmd, packCmd, unpackCmd, versionCmd, listCmd)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func addDeviceFlags(cmd *cobra.Command) {
	cmd.Flags().StringVarP(&portFlag, "port", "p", "", "Serial port (auto-detect if not specified)")
	cmd.Flags().IntVarP(&baudFlag, "baud", "b", progproto.DefaultBaudRate, "Baud rate")
	cmd.Flags().StringVar(&imageFlag, "image", "", "Operate on a local flash image file instead of a device")
}

// openDevice opens the selected backend: a local image file, or the
// debug bridge programmer. The returned hardware revision is zero for
// image files.
func openDevice() (flash.Device, uint32, func(), error) {
	if imageFlag != "" {
		dev, err := flash.OpenImage(imageFlag, flash.DefaultImageSize)
		if err != nil {
			return nil, 0, nil, err
		}
		fmt.Printf("Image: %s\n", imageFlag)
		return dev, 0, func() { dev.Close() }, nil
	}

	portName := portFlag
	if portName == "" {
		fmt.Println("Detecting debug bridge...")
		result, err := detect.DetectDevice(baudFlag)
		if err != nil {
			return nil, 0, nil, fmt.Errorf("device detection failed: %w", err)
		}
		portName = result.Port
		fmt.Printf("Found %s on %s\n", result.Name, result.Port)
	}

	port, err := serial.Open(portName, baudFlag)
	if err != nil {
		return nil, 0, nil, fmt.Errorf("failed to open port: %w", err)
	}
	fmt.Printf("Port: %s @ %d baud\n", portName, baudFlag)

	p := programmer.New(port)
	fmt.Println("Connecting to programmer...")
	if err := p.Connect(); err != nil {
		port.Close()
		return nil, 0, nil, err
	}
	fmt.Println("Connected!")

	return p, p.HwRev(), func() { port.Close() }, nil
}

func runArchive(cmd *cobra.Command, args []string) error {
	f, err := os.Open(args[0])
	if err != nil {
		return fmt.Errorf("failed to open archive: %w", err)
	}
	defer f.Close()

	bundle, err := archive.Unpack(f)
	if err != nil {
		return err
	}
	fmt.Printf("Archive: %s (%q, hw r%d)\n", args[0], bundle.Manifest.Name, bundle.Manifest.HwRev)

	dev, hwRev, cleanup, err := openDevice()
	if err != nil {
		return err
	}
	defer cleanup()

	tool := flashtool.New(dev)

	bar := progressbar.NewOptions(0,
		progressbar.OptionSetDescription("Flashing"),
		progressbar.OptionSetWidth(40),
		progressbar.OptionShowBytes(true),
		progressbar.OptionSetPredictTime(true),
		progressbar.OptionThrottle(100),
		progressbar.OptionShowCount(),
		progressbar.OptionClearOnFinish(),
	)
	tool.SetProgressCallback(func(current, total int) {
		bar.ChangeMax(total)
		bar.Set(current)
	})

	fmt.Printf("Flashing %q to slot %d...\n", bundle.Manifest.Name, slotFlag)
	opts := flashtool.Options{NoErase: noEraseFlag, HwRev: hwRev, Force: forceFlag}
	if err := tool.FlashArchive(slotFlag, bundle, opts); err != nil {
		return err
	}
	bar.Finish()
	fmt.Println("\nFlash complete!")

	if p, ok := dev.(*programmer.Programmer); ok {
		fmt.Println("Rebooting device...")
		if err := p.Reboot(); err != nil {
			fmt.Printf("Warning: reboot failed: %v\n", err)
		}
	}
	return nil
}

func runStatus(cmd *cobra.Command, args []string) error {
	dev, _, cleanup, err := openDevice()
	if err != nil {
		return err
	}
	defer cleanup()

	tool := flashtool.New(dev)
	fmt.Println()
	for _, st := range tool.Status() {
		label := fmt.Sprintf("slot %d", st.Slot)
		if st.Slot == flash.BootloaderSlot {
			label = "bootloader"
		}

		switch st.State {
		case flash.SlotEmpty:
			fmt.Printf("%-12s empty\n", label)
		case flash.SlotCorrupt:
			fmt.Printf("%-12s CORRUPT (%v)\n", label, st.Err)
		case flash.SlotReady:
			fmt.Printf("%-12s %-16q hw r%-3d %s\n", label, st.Manifest.Name, st.Manifest.HwRev, st.Manifest.Brief)
			if dumpFlag {
				spew.Dump(st.Manifest)
			}
		}
	}
	return nil
}

func runErase(cmd *cobra.Command, args []string) error {
	dev, _, cleanup, err := openDevice()
	if err != nil {
		return err
	}
	defer cleanup()

	label := fmt.Sprintf("slot %d", slotFlag)
	if slotFlag == flash.BootloaderSlot {
		label = "the bootloader region"
	}
	fmt.Printf("Erasing %s...\n", label)

	tool := flashtool.New(dev)
	if err := tool.EraseSlot(slotFlag); err != nil {
		return err
	}
	fmt.Println("Done!")
	return nil
}

func runPack(cmd *cobra.Command, args []string) error {
	bundle := &archive.Bundle{}

	bits, err := os.ReadFile(bitstreamFlag)
	if err != nil {
		return fmt.Errorf("failed to read bitstream: %w", err)
	}
	bundle.Bitstream = bits

	m := &manifest.Manifest{
		HwRev: hwRevFlag,
		Name:  nameFlag,
		Sha:   shaFlag,
		Brief: briefFlag,
		Video: videoFlag,
		Regions: []manifest.MemoryRegion{
			{Filename: filepath.Base(bitstreamFlag), RegionType: manifest.RegionBitstream},
		},
		Magic:   manifest.Magic,
		Version: manifest.CurrentVersion,
	}

	if firmwareFlag != "" {
		fw, err := os.ReadFile(firmwareFlag)
		if err != nil {
			return fmt.Errorf("failed to read firmware: %w", err)
		}
		bundle.Firmware = fw

		region := manifest.MemoryRegion{Filename: filepath.Base(firmwareFlag)}
		switch {
		case xipAtFlag != "":
			addr, err := parseAddr(xipAtFlag)
			if err != nil {
				return fmt.Errorf("bad --xip-at: %w", err)
			}
			region.RegionType = manifest.RegionXipFirmware
			region.SpiflashSrc = manifest.U32(addr)
		case fwDstFlag != "":
			addr, err := parseAddr(fwDstFlag)
			if err != nil {
				return fmt.Errorf("bad --fw-dst: %w", err)
			}
			region.RegionType = manifest.RegionRamLoad
			region.PsramDst = manifest.U32(addr)
		default:
			return fmt.Errorf("firmware needs --fw-dst (or --xip-at for bootloader images)")
		}
		m.Regions = append(m.Regions, region)
	}

	for _, spec := range resourceFlags {
		path, addr, err := parseResource(spec)
		if err != nil {
			return err
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("failed to read resource: %w", err)
		}
		bundle.Resources = append(bundle.Resources, archive.Resource{
			Filename: filepath.Base(path),
			Data:     data,
		})
		m.Regions = append(m.Regions, manifest.MemoryRegion{
			Filename:   filepath.Base(path),
			RegionType: manifest.RegionRamLoad,
			PsramDst:   manifest.U32(addr),
		})
	}

	bundle.Manifest = m

	out := outFlag
	if out == "" {
		out = nameFlag + ".tar.gz"
	}
	f, err := os.Create(out)
	if err != nil {
		return fmt.Errorf("failed to create archive: %w", err)
	}
	defer f.Close()

	if err := archive.Pack(f, bundle); err != nil {
		os.Remove(out)
		return err
	}

	info, err := f.Stat()
	if err != nil {
		return err
	}
	fmt.Printf("Packed %q: %s (%d bytes)\n", nameFlag, out, info.Size())
	return nil
}

func runUnpack(cmd *cobra.Command, args []string) error {
	f, err := os.Open(args[0])
	if err != nil {
		return fmt.Errorf("failed to open archive: %w", err)
	}
	defer f.Close()

	bundle, err := archive.Unpack(f)
	if err != nil {
		return err
	}

	m := bundle.Manifest
	fmt.Printf("Name:    %s\n", m.Name)
	fmt.Printf("Brief:   %s\n", m.Brief)
	fmt.Printf("HwRev:   r%d\n", m.HwRev)
	fmt.Printf("Sha:     %s\n", m.Sha)
	if m.Video != "" {
		fmt.Printf("Video:   %s\n", m.Video)
	}
	fmt.Println("Regions:")
	for _, r := range m.Regions {
		line := fmt.Sprintf("  %-24s %-12s %7d bytes", r.Filename, r.RegionType, r.Size)
		if r.PsramDst != nil {
			line += fmt.Sprintf("  -> mem 0x%X", *r.PsramDst)
		}
		if r.SpiflashSrc != nil {
			line += fmt.Sprintf("  @ flash 0x%X", *r.SpiflashSrc)
		}
		fmt.Println(line)
	}
	if dumpFlag {
		spew.Dump(m)
	}

	if outFlag == "" {
		return nil
	}

	if err := os.MkdirAll(outFlag, 0o755); err != nil {
		return fmt.Errorf("failed to create output directory: %w", err)
	}
	write := func(name string, data []byte) error {
		if err := os.WriteFile(filepath.Join(outFlag, name), data, 0o644); err != nil {
			return fmt.Errorf("failed to extract %s: %w", name, err)
		}
		fmt.Printf("Extracted %s (%d bytes)\n", name, len(data))
		return nil
	}

	if r := m.Region(manifest.RegionBitstream); r != nil {
		if err := write(r.Filename, bundle.Bitstream); err != nil {
			return err
		}
	}
	if len(bundle.Firmware) > 0 {
		// The firmware payload belongs to the first ram-load or xip
		// region, matching how Unpack assigned it.
		name := "firmware.bin"
		for _, r := range m.Regions {
			if r.RegionType == manifest.RegionRamLoad || r.RegionType == manifest.RegionXipFirmware {
				name = r.Filename
				break
			}
		}
		if err := write(name, bundle.Firmware); err != nil {
			return err
		}
	}
	for _, res := range bundle.Resources {
		if err := write(res.Filename, res.Data); err != nil {
			return err
		}
	}
	encoded, err := m.Encode()
	if err != nil {
		return err
	}
	return write(archive.MemberManifest, encoded)
}

func runList(cmd *cobra.Command, args []string) error {
	ports, err := serial.ListPorts()
	if err != nil {
		return err
	}

	if len(ports) == 0 {
		fmt.Println("No serial ports found")
		return nil
	}

	fmt.Println("Available serial ports:")
	for _, p := range ports {
		fmt.Printf("  %s\n", p)
	}
	return nil
}

func parseAddr(s string) (uint32, error) {
	v, err := strconv.ParseUint(s, 0, 32)
	if err != nil {
		return 0, fmt.Errorf("%q is not an address", s)
	}
	return uint32(v), nil
}

func parseResource(spec string) (string, uint32, error) {
	i := strings.LastIndex(spec, "@")
	if i < 0 {
		return "", 0, fmt.Errorf("resource %q needs a destination: path@0xADDR", spec)
	}
	addr, err := parseAddr(spec[i+1:])
	if err != nil {
		return "", 0, fmt.Errorf("bad resource destination in %q: %w", spec, err)
	}
	return spec[:i], addr, nil
}
