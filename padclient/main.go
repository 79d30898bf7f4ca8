// Command padclient is a terminal demo pad: it performs the handshake
// against a running PadServer and maps WASD + space + Q to button and
// D-pad events, adapted from pongoClient/main.go's raw-terminal input
// loop and grounded on spec.md §6.1.
package main

import (
	"flag"
	"fmt"
	"net"
	"os"
	"os/signal"

	"github.com/HawaTechnologies/virtualpad-server/device"
	"github.com/HawaTechnologies/virtualpad-server/padserver"
	"golang.org/x/sys/unix"
)

func setRawMode(fd uintptr) (*unix.Termios, error) {
	saved, err := unix.IoctlGetTermios(int(fd), unix.TCGETS)
	if err != nil {
		return nil, err
	}
	restore := *saved
	raw := *saved
	raw.Iflag &^= unix.BRKINT | unix.ICRNL | unix.INPCK | unix.ISTRIP | unix.IXON
	raw.Oflag &^= unix.OPOST
	raw.Lflag &^= unix.ECHO | unix.ICANON | unix.IEXTEN | unix.ISIG
	raw.Cflag &^= unix.CSIZE | unix.PARENB
	raw.Cflag |= unix.CS8

	if err := unix.IoctlSetTermios(int(fd), unix.TCSETS, &raw); err != nil {
		return nil, err
	}
	return &restore, nil
}

func restoreMode(fd uintptr, saved *unix.Termios) {
	_ = unix.IoctlSetTermios(int(fd), unix.TCSETS, saved)
}

func main() {
	addr := flag.String("addr", "localhost:2357", "PadServer address")
	index := flag.Uint("index", 0, "slot index to occupy")
	password := flag.String("password", "aaaa", "slot password")
	nickname := flag.String("nickname", "player", "nickname to present")
	flag.Parse()

	conn, err := net.Dial("tcp", *addr)
	if err != nil {
		fmt.Fprintln(os.Stderr, "dial:", err)
		os.Exit(1)
	}
	defer conn.Close()

	if err := handshake(conn, uint8(*index), *password, *nickname); err != nil {
		fmt.Fprintln(os.Stderr, "handshake:", err)
		os.Exit(1)
	}
	fmt.Println("logged in, use WASD + space, Q to quit")

	saved, err := setRawMode(os.Stdin.Fd())
	if err != nil {
		fmt.Fprintln(os.Stderr, "raw mode:", err)
		os.Exit(1)
	}
	defer restoreMode(os.Stdin.Fd(), saved)

	interrupts := make(chan os.Signal, 1)
	signal.Notify(interrupts, os.Interrupt)
	go func() {
		<-interrupts
		restoreMode(os.Stdin.Fd(), saved)
		os.Exit(0)
	}()

	buf := make([]byte, 1)
	for {
		if _, err := os.Stdin.Read(buf); err != nil {
			return
		}
		key, state, ok := mapKey(buf[0])
		if !ok {
			if buf[0] == 'q' || buf[0] == 'Q' {
				sendClose(conn)
				return
			}
			continue
		}
		if err := sendEvent(conn, key, state); err != nil {
			fmt.Fprintln(os.Stderr, "send:", err)
			return
		}
	}
}

func handshake(conn net.Conn, index uint8, password, nickname string) error {
	buf := make([]byte, 22)
	buf[0] = index
	copy(buf[1:5], password)
	nick := []byte(nickname)
	for i := 0; i < 16; i++ {
		if i < len(nick) {
			buf[5+i] = nick[i]
		} else {
			buf[5+i] = '\b'
		}
	}
	if _, err := conn.Write(buf); err != nil {
		return err
	}
	resp := make([]byte, 1)
	if _, err := conn.Read(resp); err != nil {
		return err
	}
	if resp[0] != padserver.LoginSuccess {
		return fmt.Errorf("login rejected: code 0x%02x", resp[0])
	}
	return nil
}

func mapKey(b byte) (key uint8, state uint8, ok bool) {
	switch b {
	case ' ':
		return device.BtnSouth, 1, true
	case 'w', 'W':
		return device.BtnUp, 1, true
	case 's', 'S':
		return device.BtnDown, 1, true
	case 'a', 'A':
		return device.BtnLeft, 1, true
	case 'd', 'D':
		return device.BtnRight, 1, true
	default:
		return 0, 0, false
	}
}

func sendEvent(conn net.Conn, key, state uint8) error {
	frame := []byte{1, key, state}
	_, err := conn.Write(frame)
	return err
}

func sendClose(conn net.Conn) {
	_, _ = conn.Write([]byte{19})
}
