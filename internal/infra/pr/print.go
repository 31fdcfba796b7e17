// Package pr — консоль процесса. Нужна в двух местах: интерактивный вход
// в аккаунт (код из Telegram, пароль 2FA) и печать сводки маршрутов при
// старте. До Init печать идёт в os.Stdout/os.Stderr, после — в буферы
// readline, чтобы ввод и вывод не перемешивались.
package pr

import (
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	"github.com/chzyer/readline"
	"github.com/go-faster/errors"
	"github.com/kr/pretty"
	"golang.org/x/term"
)

var (
	rl           *readline.Instance
	out          io.Writer = os.Stdout
	errOut       io.Writer = os.Stderr
	cancelableIn io.Closer
	mu           sync.Mutex
)

// ErrNotInitialized возвращается функциями ввода до Init.
var ErrNotInitialized = errors.New("console is not initialized")

// Init настраивает readline на отменяемом stdin.
func Init() error {
	cs := readline.NewCancelableStdin(os.Stdin)
	instance, err := readline.NewEx(&readline.Config{Stdin: cs})
	if err != nil {
		_ = cs.Close()
		return errors.Wrap(err, "init readline")
	}

	mu.Lock()
	defer mu.Unlock()
	rl = instance
	cancelableIn = cs
	out = rl.Stdout()
	errOut = rl.Stderr()
	return nil
}

// Close прерывает ожидающий ввод и освобождает терминал. Повторный вызов безопасен.
func Close() {
	mu.Lock()
	in, instance := cancelableIn, rl
	cancelableIn, rl = nil, nil
	out, errOut = os.Stdout, os.Stderr
	mu.Unlock()

	if in != nil {
		_ = in.Close()
	}
	if instance != nil {
		_ = instance.Close()
	}
}

// ReadLine выводит приглашение и читает строку без пробелов по краям.
func ReadLine(prompt string) (string, error) {
	mu.Lock()
	instance := rl
	mu.Unlock()
	if instance == nil {
		return "", ErrNotInitialized
	}
	instance.SetPrompt(prompt)
	line, err := instance.Readline()
	return strings.TrimSpace(line), err
}

// ReadPassword читает строку без эха.
func ReadPassword(prompt string) (string, error) {
	Print(prompt)
	b, err := term.ReadPassword(int(os.Stdin.Fd())) // #nosec G115
	Println()
	if err != nil {
		return "", errors.Wrap(err, "read password")
	}
	return string(b), nil
}

// SetWriters перенаправляет вывод (для тестов).
func SetWriters(stdout, stderr io.Writer) {
	mu.Lock()
	defer mu.Unlock()
	out, errOut = stdout, stderr
}

// Stdout возвращает текущий writer стандартного вывода.
func Stdout() io.Writer {
	mu.Lock()
	defer mu.Unlock()
	return out
}

// Stderr возвращает текущий writer ошибок.
func Stderr() io.Writer {
	mu.Lock()
	defer mu.Unlock()
	return errOut
}

func Print(a ...any)                 { fmt.Fprint(Stdout(), a...) }
func Println(a ...any)               { fmt.Fprintln(Stdout(), a...) }
func Printf(format string, a ...any) { fmt.Fprintf(Stdout(), format, a...) }

// ErrPrintln печатает значения в Stderr.
func ErrPrintln(a ...any) { fmt.Fprintln(Stderr(), a...) }

// PP pretty-печатает значение в Stdout.
func PP(v any) {
	fmt.Fprintf(Stdout(), "%# v\n", pretty.Formatter(v))
}

// Pf возвращает pretty-строку значения.
func Pf(v any) string {
	return fmt.Sprintf("%# v", pretty.Formatter(v))
}
