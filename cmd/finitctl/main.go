// finitctl is the control CLI for finitd. It talks to a running finitd
// instance over its control socket, one request/reply round trip per
// invocation.
package main

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/cpuguy83/go-md2man/v2/md2man"

	"github.com/sunlightlinux/finitd/doc"
	"github.com/sunlightlinux/finitd/internal/util"
	"github.com/sunlightlinux/finitd/pkg/config"
	"github.com/sunlightlinux/finitd/pkg/control"
)

// Exit codes, informational contract with callers scripting against this
// tool: 0 success, 2 usage, 3 unknown command, 65 bad argument, 69 not
// found, 71 I/O error, 72 missing config dir, 73 filesystem error.
const (
	exitOK          = 0
	exitUsage       = 2
	exitUnknownCmd  = 3
	exitBadArgument = 65
	exitNotFound    = 69
	exitIOError     = 71
	exitMissingConf = 72
	exitFilesystem  = 73
)

func main() {
	args := os.Args[1:]

	socketPath := ""
	for len(args) > 0 {
		if args[0] == "--socket-path" || args[0] == "-s" {
			if len(args) < 2 {
				fatal(exitUsage, "--socket-path requires an argument")
			}
			socketPath = args[1]
			args = args[2:]
		} else if strings.HasPrefix(args[0], "--socket-path=") {
			socketPath = strings.TrimPrefix(args[0], "--socket-path=")
			args = args[1:]
		} else if args[0] == "--man" {
			renderMan()
			os.Exit(exitOK)
		} else if args[0] == "--help" || args[0] == "-h" {
			printUsage()
			os.Exit(exitOK)
		} else if args[0] == "--version" {
			fmt.Println("finitctl version 0.1.0")
			os.Exit(exitOK)
		} else {
			break
		}
	}

	if len(args) == 0 {
		printUsage()
		os.Exit(exitUsage)
	}

	sockPath := socketPath
	if sockPath == "" {
		sockPath = config.DefaultRuntimePaths().SockPath()
	}

	command := args[0]
	cmdArgs := args[1:]

	client, err := control.Dial(sockPath)
	if err != nil {
		fatal(exitIOError, "connecting to finitd at %s: %v", sockPath, err)
	}
	defer client.Close()

	switch command {
	case "status":
		err = cmdStatus(client)
	case "runlevel":
		err = cmdRunlevel(client, cmdArgs)
	case "start":
		err = withServiceArg(cmdArgs, "start", func(name string) error { return cmdSimple(client, control.CmdStart, name) })
	case "stop":
		err = withServiceArg(cmdArgs, "stop", func(name string) error { return cmdSimple(client, control.CmdStop, name) })
	case "restart":
		err = withServiceArg(cmdArgs, "restart", func(name string) error { return cmdSimple(client, control.CmdRestart, name) })
	case "reload":
		err = cmdReload(client)
	case "query":
		err = withServiceArg(cmdArgs, "query", func(name string) error { return cmdQuery(client, name) })
	case "signal":
		err = cmdSignal(client, cmdArgs)
	case "cond-get":
		err = withServiceArg(cmdArgs, "cond-get", func(name string) error { return cmdCondGet(client, name) })
	case "cond-set":
		err = withServiceArg(cmdArgs, "cond-set", func(name string) error { return cmdCondMutate(client, control.CmdCondSet, name) })
	case "cond-clear":
		err = withServiceArg(cmdArgs, "cond-clear", func(name string) error { return cmdCondMutate(client, control.CmdCondClear, name) })
	case "debug-toggle":
		err = cmdSimple(client, control.CmdDebugToggle, "")
	case "reboot":
		err = cmdShutdown(client, control.CmdReboot, "reboot")
	case "halt":
		err = cmdShutdown(client, control.CmdHalt, "halt")
	case "poweroff":
		err = cmdShutdown(client, control.CmdPoweroff, "poweroff")
	case "suspend":
		err = cmdShutdown(client, control.CmdSuspend, "suspend")
	default:
		fatal(exitUnknownCmd, "unknown command: %s", command)
		return
	}

	if err != nil {
		fatal(exitFromError(err), "%v", err)
	}
}

func printUsage() {
	fmt.Fprint(os.Stderr, `Usage: finitctl [options] <command> [args...]

Options:
  --socket-path, -s PATH   control socket path (default /run/finitd/finitd.sock)
  --man                    render the man page to stdout
  --help, -h               show this help
  --version                show version

Commands:
  status                   show runlevel and every service's state
  runlevel [N]             show, or request a transition to, runlevel N
  start <service>          start a service
  stop <service>           stop a service
  restart <service>        SIGHUP a SIGHUP-capable service, else stop then start it
  reload                   reload configuration from disk
  query <service>          check whether a service is registered
  signal <sig> <service>   send a signal to a service's process
  cond-get <name>          print a condition's state (on/off/flux)
  cond-set <name>          assert a condition
  cond-clear <name>        deassert a condition
  debug-toggle             set the supervisor's log level to debug
  reboot                   request runlevel 6
  halt                     request runlevel 0 (halt)
  poweroff                 request runlevel 0 (poweroff)
  suspend                  freeze the entire supervisor with SIGSTOP
`)
}

func renderMan() {
	os.Stdout.Write(md2man.Render(doc.Finitctl1))
}

func fatal(code int, format string, args ...interface{}) {
	fmt.Fprintf(os.Stderr, "finitctl: "+format+"\n", args...)
	os.Exit(code)
}

// exitFromError maps a nacked control reply to the client's own exit-code
// contract: "not found"/"no such service" texts become 69, everything else
// a generic 65 (bad argument) since the request reached the server fine.
func exitFromError(err error) int {
	msg := err.Error()
	if strings.Contains(msg, "not found") || strings.Contains(msg, "no such service") {
		return exitNotFound
	}
	return exitBadArgument
}

func withServiceArg(args []string, cmd string, fn func(string) error) error {
	if len(args) < 1 {
		fatal(exitUsage, "usage: finitctl %s <service>", cmd)
	}
	return fn(args[0])
}

func send(c *control.Client, req control.Request) (control.Reply, error) {
	rep, err := c.Send(req)
	if err != nil {
		return control.Reply{}, fmt.Errorf("control request failed: %w", err)
	}
	if rep.Status == control.StatusNack {
		return rep, fmt.Errorf("%s", string(rep.Data))
	}
	return rep, nil
}

func cmdStatus(c *control.Client) error {
	rep, err := send(c, control.Request{Command: control.CmdStatus})
	if err != nil {
		return err
	}
	fmt.Print(string(rep.Data))
	return nil
}

func cmdRunlevel(c *control.Client, args []string) error {
	if len(args) == 0 {
		rep, err := send(c, control.Request{Command: control.CmdRunlevelGet})
		if err != nil {
			return err
		}
		fmt.Println(string(rep.Data))
		return nil
	}
	n, err := strconv.Atoi(args[0])
	if err != nil {
		fatal(exitBadArgument, "runlevel must be a digit 0-9: %v", err)
	}
	rep, err := send(c, control.Request{Command: control.CmdRunlevelSet, Arg: int32(n)})
	if err != nil {
		return err
	}
	fmt.Println(string(rep.Data))
	return nil
}

func cmdSimple(c *control.Client, cmd control.Command, name string) error {
	rep, err := send(c, control.Request{Command: cmd, Data: []byte(name)})
	if err != nil {
		return err
	}
	fmt.Println(string(rep.Data))
	return nil
}

func cmdReload(c *control.Client) error {
	rep, err := send(c, control.Request{Command: control.CmdReload})
	if err != nil {
		return err
	}
	fmt.Println(string(rep.Data))
	return nil
}

func cmdQuery(c *control.Client, name string) error {
	_, err := send(c, control.Request{Command: control.CmdQuery, Data: []byte(name)})
	if err != nil {
		return err
	}
	fmt.Printf("%s: exists\n", name)
	return nil
}

func cmdSignal(c *control.Client, args []string) error {
	if len(args) < 2 {
		fatal(exitUsage, "usage: finitctl signal <signal> <service>")
	}
	sig, err := util.ParseSignal(args[0])
	if err != nil {
		fatal(exitBadArgument, "%v", err)
	}
	rep, err := send(c, control.Request{Command: control.CmdSignal, Arg: int32(sig), Data: []byte(args[1])})
	if err != nil {
		return err
	}
	fmt.Println(string(rep.Data))
	return nil
}

func cmdCondGet(c *control.Client, name string) error {
	rep, err := send(c, control.Request{Command: control.CmdCondGet, Data: []byte(name)})
	if err != nil {
		return err
	}
	fmt.Println(string(rep.Data))
	return nil
}

func cmdCondMutate(c *control.Client, cmd control.Command, name string) error {
	rep, err := send(c, control.Request{Command: cmd, Data: []byte(name)})
	if err != nil {
		return err
	}
	fmt.Println(string(rep.Data))
	return nil
}

func cmdShutdown(c *control.Client, cmd control.Command, label string) error {
	rep, err := send(c, control.Request{Command: cmd})
	if err != nil {
		return err
	}
	fmt.Printf("%s: %s\n", label, string(rep.Data))
	return nil
}
