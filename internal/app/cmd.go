package app

import (
	"errors"
	"fmt"
	"strings"
)

// Command はauthstarterのサブコマンド。
type Command string

const (
	CommandServe       Command = "serve"
	CommandMigrate     Command = "migrate"
	CommandHealthcheck Command = "healthcheck"
)

// commands はサブコマンドと説明の一覧。Usageの表示順を兼ねる。
var commands = []struct {
	name    Command
	summary string
}{
	{CommandServe, "start the auth API server (default)"},
	{CommandMigrate, "apply the user store schema (PostgreSQL migrations or MongoDB indexes)"},
	{CommandHealthcheck, "check /api/monitoring/health on SERVER_PORT and exit non-zero if unhealthy"},
}

// ErrUnknownCommand は未知のサブコマンドが指定されたことを示す。
var ErrUnknownCommand = errors.New("unknown command")

// ParseCommand はos.Args[1:]の先頭をサブコマンドとして解釈する。
// 引数がなければserve。フラグ（"-"始まり）はサブコマンドとして扱わない。
// 未知の名前はErrUnknownCommandを返し、打ち間違いでサーバーが起動しないようにする。
func ParseCommand(args []string) (Command, error) {
	if len(args) == 0 || strings.HasPrefix(args[0], "-") {
		return CommandServe, nil
	}
	name := strings.ToLower(strings.TrimSpace(args[0]))
	if name == "" {
		return CommandServe, nil
	}
	for _, c := range commands {
		if Command(name) == c.name {
			return c.name, nil
		}
	}
	return "", fmt.Errorf("%w %q\n\n%s", ErrUnknownCommand, args[0], Usage())
}

// Usage はサブコマンド一覧のヘルプ文字列を返す。
func Usage() string {
	var b strings.Builder
	b.WriteString("usage: authstarter [command]\n\ncommands:\n")
	for _, c := range commands {
		fmt.Fprintf(&b, "  %-12s %s\n", c.name, c.summary)
	}
	return b.String()
}
