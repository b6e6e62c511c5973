// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-EVB License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

// nevb-ctl envia verbos de controle para um nevb-builder e imprime a
// resposta. Uso:
//
//	nevb-ctl [-addr host:port] <verbo> [args...]
//	nevb-ctl statistics
//	nevb-ctl configure build_window 10
//	nevb-ctl flush complete
package main

import (
	"bufio"
	"flag"
	"fmt"
	"net"
	"os"
	"strings"
	"time"
)

func main() {
	addr := flag.String("addr", "127.0.0.1:9842", "builder control address")
	timeout := flag.Duration("timeout", 10*time.Second, "dial/reply timeout")
	flag.Parse()

	if flag.NArg() == 0 {
		fmt.Fprintln(os.Stderr, "usage: nevb-ctl [-addr host:port] <verb> [args...]")
		os.Exit(2)
	}
	verb := strings.Join(flag.Args(), " ")

	conn, err := net.DialTimeout("tcp", *addr, *timeout)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error connecting to builder: %v\n", err)
		os.Exit(1)
	}
	defer conn.Close()
	conn.SetDeadline(time.Now().Add(*timeout))

	if _, err := fmt.Fprintln(conn, verb); err != nil {
		fmt.Fprintf(os.Stderr, "Error sending command: %v\n", err)
		os.Exit(1)
	}

	reply, err := bufio.NewReader(conn).ReadString('\n')
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error reading reply: %v\n", err)
		os.Exit(1)
	}
	reply = strings.TrimRight(reply, "\n")

	fmt.Println(reply)
	if strings.HasPrefix(reply, "ERR") {
		os.Exit(1)
	}
}
