// loginclient — утилита для ручной прогонки клиентской машины логина
// против живого login-узла.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/udisondev/mmolobby/internal/clientsession"
	"github.com/udisondev/mmolobby/internal/config"
)

func main() {
	addr := flag.String("addr", "127.0.0.1:20013", "login server address")
	account := flag.String("account", "", "account name")
	password := flag.String("password", "", "password")
	create := flag.Bool("create", false, "create the account instead of logging in")
	timeout := flag.Duration("timeout", 15*time.Second, "overall timeout")
	flag.Parse()

	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelDebug,
	})))

	if *account == "" || *password == "" {
		fmt.Fprintln(os.Stderr, "usage: loginclient -account NAME -password PASS [-create] [-addr HOST:PORT]")
		os.Exit(2)
	}

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	session := clientsession.New(config.DefaultClient())

	done := make(chan string, 1)
	session.OnEvent(func(ev clientsession.Event) {
		slog.Info("event", "name", ev.Name, "data", string(ev.Data))
		switch ev.Name {
		case "onLoginSuccessfully", "onCreateAccountResult", "onLoginFailed":
			select {
			case done <- ev.Name:
			default:
			}
		}
	})

	var err error
	if *create {
		err = session.CreateAccount(*account, *password, nil, *addr)
	} else {
		err = session.Login(*account, *password, nil, *addr)
	}
	if err != nil {
		slog.Error("session start failed", "err", err)
		os.Exit(1)
	}

	go session.Run(ctx)

	select {
	case name := <-done:
		slog.Info("finished", "result", name, "state", session.State())
	case <-ctx.Done():
		slog.Error("timed out", "state", session.State())
		os.Exit(1)
	}
}
