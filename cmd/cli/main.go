// uboot-tool: IP-camera firmware backup over the U-Boot serial console.
package main

import (
	"context"
	"flag"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strings"

	tea "github.com/charmbracelet/bubbletea"

	"uboottool/internal/cli/ui"
	"uboottool/internal/config"
	"uboottool/internal/netif"
	"uboottool/internal/tftp"
	"uboottool/internal/uboot"
)

// stringList collects a repeatable flag.
type stringList []string

func (l *stringList) String() string {
	return strings.Join(*l, ",")
}

func (l *stringList) Set(value string) error {
	*l = append(*l, value)
	return nil
}

var (
	portFlag = flag.String("port", "", "serial port (env SERIAL_PORT)")
	baudFlag = flag.Uint("baud", 0, "baud rate (env SERIAL_BAUD, default 115200)")
	pathFlag = flag.String("path", "", "directory for backup files (env FILE_PATH, default cwd)")
	ipFlag   = flag.String("ip", "", "device IP address (env IP_ADDRESS)")
)

func usage() {
	fmt.Fprintf(flag.CommandLine.Output(), `uboot-tool: U-Boot tool for IP camera firmware management.

Usage: %s [flags] <command>

Commands:
  ports       show available serial ports
  networks    show available networks
  login       stop autoboot when device connected
  info        get system info
  dump-env    backup environment variables to file
  dump-mtd    backup firmware partitions to file [-part NAME]...
  serve-tftp  run a TFTP server over the backup directory [-write]

Flags:
`, os.Args[0])
	flag.PrintDefaults()
}

func main() {
	flag.Usage = usage
	flag.Parse()

	if flag.NArg() < 1 {
		usage()
		os.Exit(2)
	}
	if err := run(flag.Arg(0), flag.Args()[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// options resolves flag values against environment defaults.
type options struct {
	cfg *config.Config
}

func (o options) port() (string, error) {
	if *portFlag != "" {
		return *portFlag, nil
	}
	if o.cfg.Port != "" {
		return o.cfg.Port, nil
	}
	return "", fmt.Errorf("no port is set")
}

func (o options) baud() uint32 {
	if *baudFlag != 0 {
		return uint32(*baudFlag)
	}
	return o.cfg.Baud
}

func (o options) path() (string, error) {
	if *pathFlag != "" {
		return *pathFlag, nil
	}
	if o.cfg.Path != "" {
		return o.cfg.Path, nil
	}
	return os.Getwd()
}

func (o options) ip() (net.IP, error) {
	raw := *ipFlag
	if raw == "" {
		raw = o.cfg.IP
	}
	if raw == "" {
		return nil, fmt.Errorf("no device IP is set")
	}
	ip := net.ParseIP(raw)
	if ip == nil {
		return nil, fmt.Errorf("bad device IP address %q", raw)
	}
	if err := netif.ValidateDeviceIP(ip); err != nil {
		return nil, err
	}
	return ip, nil
}

func (o options) client() (*uboot.Client, error) {
	port, err := o.port()
	if err != nil {
		return nil, err
	}
	return uboot.Dial(port, o.baud())
}

func run(cmd string, args []string) error {
	opts := options{cfg: config.Load()}

	switch cmd {
	case "ports":
		return runPorts()
	case "networks":
		return runNetworks(opts)
	case "login":
		return runLogin(opts)
	case "info":
		return runInfo(opts)
	case "dump-env":
		return runDumpEnv(opts)
	case "dump-mtd":
		return runDumpMtd(opts, args)
	case "serve-tftp":
		return runServeTftp(opts, args)
	default:
		return fmt.Errorf("unknown command %q", cmd)
	}
}

func runPorts() error {
	ports, err := uboot.Ports()
	if err != nil {
		return err
	}
	for _, port := range ports {
		fmt.Println(port)
	}
	return nil
}

func runNetworks(opts options) error {
	ifaces, err := netif.Interfaces()
	if err != nil {
		return err
	}
	for _, iface := range ifaces {
		fmt.Printf("%s:\n", iface.Name)
		for _, network := range iface.Networks {
			prefix, _ := network.Mask.Size()
			fmt.Printf("\t%s/%d\n", network.IP, prefix)
		}
	}
	if *ipFlag != "" || opts.cfg.IP != "" {
		ip, err := opts.ip()
		if err != nil {
			return err
		}
		fmt.Printf("Device IP: %s\n", ip)
	}
	return nil
}

func runLogin(opts options) error {
	client, err := opts.client()
	if err != nil {
		return err
	}
	prompt, err := client.ShellPresence()
	if err != nil {
		return err
	}
	fmt.Printf("prompt: %s\n", prompt)
	return nil
}

func runInfo(opts options) error {
	client, err := opts.client()
	if err != nil {
		return err
	}
	if _, err := client.ShellPresence(); err != nil {
		return err
	}

	ver, err := client.Version()
	if err != nil {
		return err
	}
	fmt.Printf("U-Boot:\t%d.%d\n", ver.Year, ver.Month)
	fmt.Printf("\trevision:\t%s-%s\n", ver.Revision, ver.Suffix)

	flash, err := client.FlashInfo()
	if err != nil {
		return err
	}
	fmt.Printf("Flash %s:\n", flash.Kind)
	if flash.HasName() {
		fmt.Printf("\tname:\t%s\n", flash.Name)
	}
	if flash.HasID() {
		fmt.Printf("\tid:\t%#02x %#02x %#02x\n", flash.ID[0], flash.ID[1], flash.ID[2])
	}
	fmt.Printf("\tsize:\t%#08x*%d\n", flash.Size, flash.Count)
	fmt.Printf("\tblock:\t%#08x\n", flash.Block)

	ram, err := client.RAMInfo()
	if err != nil {
		return err
	}
	fmt.Printf("RAM:\n\tbase:\t%#08x\n\tsize:\t%#08x\n", ram.Base, ram.Size)

	parts, err := client.MTDParts()
	if err != nil {
		return err
	}
	if len(parts) > 0 {
		fmt.Printf("MTD Parts:\n")
		for _, part := range parts {
			fmt.Printf("\t%s:\t%#08x %#08x\n", part.Name, part.Region.Base, part.Region.Size)
		}
		fmt.Printf("\ttotal=\t\t%#08x\n", parts.TotalSize())
	}
	return nil
}

func runDumpEnv(opts options) error {
	dir, err := opts.path()
	if err != nil {
		return err
	}
	client, err := opts.client()
	if err != nil {
		return err
	}
	if _, err := client.ShellPresence(); err != nil {
		return err
	}
	environ, err := client.Environ()
	if err != nil {
		return err
	}

	file, err := os.Create(filepath.Join(dir, "env.txt"))
	if err != nil {
		return err
	}
	defer file.Close()
	for _, key := range environ.Keys() {
		value, _ := environ.Get(key)
		if _, err := fmt.Fprintf(file, "%s=%s\n", key, value); err != nil {
			return err
		}
	}
	return nil
}

func runDumpMtd(opts options, args []string) error {
	fs := flag.NewFlagSet("dump-mtd", flag.ContinueOnError)
	var names stringList
	fs.Var(&names, "part", "parts to be dumped (all by default)")
	if err := fs.Parse(args); err != nil {
		return err
	}

	dir, err := opts.path()
	if err != nil {
		return err
	}
	client, err := opts.client()
	if err != nil {
		return err
	}
	if _, err := client.ShellPresence(); err != nil {
		return err
	}

	ram, err := client.RAMInfo()
	if err != nil {
		return err
	}
	address := uboot.DumpAddress(ram)
	parts, err := client.MTDParts()
	if err != nil {
		return err
	}

	if err := writeMtdTable(filepath.Join(dir, "mtd.txt"), parts); err != nil {
		return err
	}

	selected := parts
	if len(names) > 0 {
		selected = nil
		for _, name := range names {
			region, ok := parts.Get(name)
			if !ok {
				fmt.Fprintf(os.Stderr, "Unknown part: %s\n", name)
				continue
			}
			selected = append(selected, uboot.MTDPart{Name: name, Region: region})
		}
	}

	fmt.Println("Dumping MTD parts...")
	return dumpParts(client, dir, address, selected)
}

// writeMtdTable saves the partition table next to the dumps.
func writeMtdTable(path string, parts uboot.MTDTable) error {
	file, err := os.Create(path)
	if err != nil {
		return err
	}
	defer file.Close()
	if _, err := fmt.Fprintf(file, "# name size\n"); err != nil {
		return err
	}
	for _, part := range parts {
		if _, err := fmt.Fprintf(file, "%s 0x%08x\n", part.Name, part.Region.Size); err != nil {
			return err
		}
	}
	return nil
}

// dumpParts runs the dump pipeline per partition while the progress UI
// renders. Quitting the UI cancels the device side cleanly.
func dumpParts(client *uboot.Client, dir string, address uint64, parts uboot.MTDTable) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	p := tea.NewProgram(ui.NewDumpModel())

	result := make(chan error, 1)
	go func() {
		var firstErr error
		defer func() {
			result <- firstErr
			p.Send(ui.QuitMsg{})
		}()
		for _, part := range parts {
			if ctx.Err() != nil {
				return
			}
			p.Send(ui.PartStartMsg{Name: part.Name, Size: part.Region.Size})

			err := dumpOnePart(ctx, client, p, dir, address, part)
			p.Send(ui.PartDoneMsg{Err: err})
			if err != nil && err != context.Canceled && firstErr == nil {
				firstErr = err
			}
		}
	}()

	_, uiErr := p.Run()
	cancel()
	dumpErr := <-result
	if uiErr != nil {
		return uiErr
	}
	return dumpErr
}

func dumpOnePart(ctx context.Context, client *uboot.Client, p *tea.Program, dir string, address uint64, part uboot.MTDPart) error {
	file, err := os.Create(filepath.Join(dir, part.Name+".bin"))
	if err != nil {
		return err
	}
	defer file.Close()

	progress := uboot.NewProgress()
	done := make(chan error, 1)
	go func() {
		done <- client.DumpMTDPart(ctx, file, part.Region, address, progress)
	}()
	for off := range progress {
		p.Send(ui.PartProgressMsg{Off: off})
	}
	return <-done
}

func runServeTftp(opts options, args []string) error {
	fs := flag.NewFlagSet("serve-tftp", flag.ContinueOnError)
	write := fs.Bool("write", false, "allow the device to upload files")
	if err := fs.Parse(args); err != nil {
		return err
	}

	dir, err := opts.path()
	if err != nil {
		return err
	}
	deviceIP, err := opts.ip()
	if err != nil {
		return err
	}
	serverIP, err := netif.ServerIP(deviceIP)
	if err != nil {
		return err
	}

	server := tftp.NewServer(dir, deviceIP, true, *write)
	return server.ListenAndServe(net.JoinHostPort(serverIP.String(), "69"))
}
