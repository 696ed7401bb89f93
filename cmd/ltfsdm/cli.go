// Copyright (c) 2026 the ltfsdmd authors. All rights reserved.
// SPDX-License-Identifier: MIT

package main

import (
	"fmt"
	"strings"

	"github.com/codegangsta/cli"
	shlex "github.com/flynn-archive/go-shlex"
	"github.com/peterh/liner"

	log "github.com/golang/glog"

	"github.com/ltfsdm/ltfsdmd/internal/dispatchclient"
)

var usage = `
	ltfsdm is the client for ltfsdmd, the tape hierarchical storage manager
	daemon. It can issue one command against a running daemon, or start an
	interactive shell to issue several.

		ltfsdm [--addr <host:port>] <subcommand> [<flags>...]

	or, interactively:

		ltfsdm [--addr <host:port>] shell
	`

// ltfsdmCli holds the cli.App and the lazily-dialed daemon connection
// shared across one process invocation (or one interactive shell session).
type ltfsdmCli struct {
	app     *cli.App
	network string
	addr    string
	clt     *dispatchclient.Client
	inShell bool
}

func newLtfsdmCli() *ltfsdmCli {
	l := &ltfsdmCli{network: "tcp", addr: "localhost:7654"}
	app := cli.NewApp()
	app.Name = "ltfsdm"
	app.Usage = usage
	app.Flags = []cli.Flag{
		cli.StringFlag{
			Name:  "addr, a",
			Usage: "ltfsdmd daemon address",
			Value: l.addr,
		},
		cli.StringFlag{
			Name:  "network, n",
			Usage: `"tcp" or "unix"`,
			Value: l.network,
		},
	}

	poolFlag := cli.StringFlag{Name: "pool, p", Usage: "pool name"}
	tapeFlag := cli.StringFlag{Name: "tape, t", Usage: "cartridge id"}
	reqFlag := cli.IntFlag{Name: "reqnum, r", Usage: "request number"}
	residentFlag := cli.BoolFlag{Name: "resident", Usage: "record RESIDENT instead of PREMIGRATED as the recall's target state (recalled files end RESIDENT either way)"}
	forceFlag := cli.BoolFlag{Name: "force, x", Usage: "set the forced-stop flag (the daemon still waits for in-progress requests)"}
	finishFlag := cli.BoolFlag{Name: "finish", Usage: "set the finish-stop flag (the daemon still waits for in-progress requests)"}

	app.Commands = []cli.Command{
		{Name: "start", Usage: "Checks that ltfsdmd is running.", Action: l.cmdStatus},
		{Name: "add", Usage: "Registers a managed filesystem.", Action: l.cmdAdd},
		{
			Name:  "migrate",
			Usage: "Migrates files to tape.",
			Flags: []cli.Flag{cli.StringSliceFlag{Name: "pool, p", Usage: "target pool (repeat for replicas)"}},
			Action: l.cmdMigrate,
		},
		{
			Name:   "recall",
			Usage:  "Recalls files from tape.",
			Flags:  []cli.Flag{residentFlag},
			Action: l.cmdRecall,
		},
		{
			Name:  "info",
			Usage: "Shows requests, jobs, drives, tapes or pools.",
			Flags: []cli.Flag{reqFlag, poolFlag},
			Action: l.cmdInfo,
		},
		{
			Name:  "pool",
			Usage: "Manages pools: create, delete, add, remove.",
			Flags: []cli.Flag{poolFlag, tapeFlag},
			Action: l.cmdPool,
		},
		{
			Name:   "retrieve",
			Usage:  "Re-submits a request's failed files.",
			Flags:  []cli.Flag{reqFlag},
			Action: l.cmdRetrieve,
		},
		{
			Name:   "stop",
			Usage:  "Shuts down the daemon.",
			Flags:  []cli.Flag{forceFlag, finishFlag},
			Action: l.cmdStop,
		},
		{Name: "shell", Usage: "Starts an interactive shell.", Action: l.cmdShell},
	}

	l.app = app
	return l
}

func (l *ltfsdmCli) dial(c *cli.Context) (*dispatchclient.Client, error) {
	if c.GlobalString("addr") != "" {
		l.addr = c.GlobalString("addr")
	}
	if c.GlobalString("network") != "" {
		l.network = c.GlobalString("network")
	}
	if l.clt != nil {
		return l.clt, nil
	}
	clt, err := dispatchclient.DialNetwork(l.network, l.addr)
	if err != nil {
		return nil, err
	}
	if l.inShell {
		l.clt = clt
	}
	return clt, nil
}

func (l *ltfsdmCli) closeUnlessShell(clt *dispatchclient.Client) {
	if !l.inShell {
		clt.Close()
	}
}

func (l *ltfsdmCli) run(args []string) error {
	return l.app.Run(args)
}

func (l *ltfsdmCli) stop() {
	if l.clt != nil {
		l.clt.Close()
	}
}

func (l *ltfsdmCli) cmdStatus(c *cli.Context) {
	clt, err := l.dial(c)
	if err != nil {
		log.Errorf("start: %s", err)
		return
	}
	defer l.closeUnlessShell(clt)
	fmt.Println("ltfsdmd is running")
}

func (l *ltfsdmCli) cmdAdd(c *cli.Context) {
	clt, err := l.dial(c)
	if err != nil {
		log.Errorf("add: %s", err)
		return
	}
	defer l.closeUnlessShell(clt)
	for _, fs := range c.Args() {
		resp, err := clt.Add(fs)
		if err != nil || !resp.Success {
			fmt.Printf("add %s: failed (%s)\n", fs, errOf(err, resp.ErrCode))
			continue
		}
		fmt.Printf("add %s: ok\n", fs)
	}
}

func (l *ltfsdmCli) cmdMigrate(c *cli.Context) {
	clt, err := l.dial(c)
	if err != nil {
		log.Errorf("migrate: %s", err)
		return
	}
	defer l.closeUnlessShell(clt)

	pools := c.StringSlice("pool")
	resp, err := clt.Migrate(pools)
	if err != nil || !resp.Success {
		fmt.Printf("migrate: failed (%s)\n", errOf(err, resp.ErrCode))
		return
	}
	files := c.Args()
	sendResp, err := clt.SendObjects(resp.ReqNum, files)
	if err != nil {
		fmt.Printf("migrate: sending files failed: %s\n", err)
		return
	}
	fmt.Printf("migrate: request %d queued (pid %d)\n", sendResp.ReqNum, sendResp.Pid)
}

func (l *ltfsdmCli) cmdRecall(c *cli.Context) {
	clt, err := l.dial(c)
	if err != nil {
		log.Errorf("recall: %s", err)
		return
	}
	defer l.closeUnlessShell(clt)

	resp, err := clt.Recall(c.Bool("resident"))
	if err != nil || !resp.Success {
		fmt.Printf("recall: failed (%s)\n", errOf(err, resp.ErrCode))
		return
	}
	clt.SendObjects(resp.ReqNum, c.Args())
	fmt.Printf("recall: request %d queued\n", resp.ReqNum)
}

func (l *ltfsdmCli) cmdInfo(c *cli.Context) {
	clt, err := l.dial(c)
	if err != nil {
		log.Errorf("info: %s", err)
		return
	}
	defer l.closeUnlessShell(clt)

	what := "requests"
	if len(c.Args()) > 0 {
		what = c.Args()[0]
	}
	switch what {
	case "requests":
		resp, err := clt.InfoRequests()
		if err != nil {
			fmt.Println("info requests:", err)
			return
		}
		for _, r := range resp.Rows {
			fmt.Printf("%d\t%s\t%s\t%s\t%s\n", r.ReqNum, r.Operation, r.State, r.Pool, r.TapeID)
		}
	case "jobs":
		resp, err := clt.InfoJobs(int64(c.Int("reqnum")))
		if err != nil {
			fmt.Println("info jobs:", err)
			return
		}
		for _, j := range resp.Rows {
			fmt.Printf("%s\t%s\t%d\t%s\n", j.FileName, j.FileState, j.FileSize, j.TapeID)
		}
	case "drives":
		resp, err := clt.InfoDrives()
		if err != nil {
			fmt.Println("info drives:", err)
			return
		}
		for _, d := range resp.Rows {
			fmt.Printf("%s\tbusy=%v\t%s\n", d.DriveID, d.Busy, d.CartridgeID)
		}
	case "tapes":
		resp, err := clt.InfoTapes(c.String("pool"))
		if err != nil {
			fmt.Println("info tapes:", err)
			return
		}
		for _, t := range resp.Rows {
			fmt.Printf("%s\t%s\t%s\t%s\n", t.TapeID, t.Pool, t.Status, t.State)
		}
	case "pools":
		resp, err := clt.InfoPools()
		if err != nil {
			fmt.Println("info pools:", err)
			return
		}
		for name, tapes := range resp.Pools {
			fmt.Printf("%s\t%s\n", name, strings.Join(tapes, ","))
		}
	}
}

func (l *ltfsdmCli) cmdPool(c *cli.Context) {
	clt, err := l.dial(c)
	if err != nil {
		log.Errorf("pool: %s", err)
		return
	}
	defer l.closeUnlessShell(clt)

	action := ""
	if len(c.Args()) > 0 {
		action = c.Args()[0]
	}
	resp, err := clt.Pool(action, c.String("pool"), c.String("tape"))
	if err != nil || !resp.Success {
		fmt.Printf("pool %s: failed (%s)\n", action, errOf(err, resp.ErrCode))
		return
	}
	fmt.Printf("pool %s: ok\n", action)
}

func (l *ltfsdmCli) cmdRetrieve(c *cli.Context) {
	clt, err := l.dial(c)
	if err != nil {
		log.Errorf("retrieve: %s", err)
		return
	}
	defer l.closeUnlessShell(clt)

	resp, err := clt.Retrieve(int64(c.Int("reqnum")))
	if err != nil || !resp.Success {
		fmt.Printf("retrieve: failed (%s)\n", errOf(err, resp.ErrCode))
		return
	}
	fmt.Printf("retrieve: new request %d\n", resp.NewReq)
}

func (l *ltfsdmCli) cmdStop(c *cli.Context) {
	clt, err := l.dial(c)
	if err != nil {
		log.Errorf("stop: %s", err)
		return
	}
	defer l.closeUnlessShell(clt)

	resp, err := clt.Stop(c.Bool("force"), c.Bool("finish"))
	if err != nil {
		fmt.Println("stop:", err)
		return
	}
	fmt.Printf("stop: daemon drained (%d requests remained)\n", resp.NumReqs)
}

// cmdShell starts an interactive command loop, tokenizing each line with
// shell-style quoting rules and dispatching it through the same cli.App
// commands used for one-shot invocations.
func (l *ltfsdmCli) cmdShell(c *cli.Context) {
	l.inShell = true
	defer func() { l.inShell = false }()
	cli.OsExiter = func(int) {}

	ln := liner.NewLiner()
	ln.SetCtrlCAborts(true)
	ln.SetCompleter(func(line string) (out []string) {
		for _, cmd := range l.app.Commands {
			if strings.HasPrefix(cmd.Name, line) {
				out = append(out, cmd.Name)
			}
		}
		return
	})
	defer ln.Close()

	for {
		input, err := ln.Prompt("(ltfsdm) ")
		if err != nil {
			return
		}
		args, err := shlex.Split(input)
		if err != nil {
			log.Errorf("error: %v", err)
			continue
		}
		if len(args) == 0 {
			continue
		}
		if args[0] == "exit" {
			return
		}
		if l.runCommand(c, args...) == nil {
			ln.AppendHistory(input)
		}
	}
}

func (l *ltfsdmCli) runCommand(c *cli.Context, args ...string) error {
	return l.app.Run(append([]string{l.app.Name}, args...))
}

func errOf(err error, code fmt.Stringer) string {
	if err != nil {
		return err.Error()
	}
	return code.String()
}
