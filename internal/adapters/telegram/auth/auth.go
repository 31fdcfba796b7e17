// Package auth — интерактивный вход аккаунта-источника: номер телефона
// берётся из конфигурации, код подтверждения и пароль 2FA читаются из консоли.
package auth

import (
	"context"
	"strings"

	"github.com/go-faster/errors"
	tdauth "github.com/gotd/td/telegram/auth"
	"github.com/gotd/td/tg"

	"telegram-relay/internal/infra/pr"
)

// Prompter — источник ввода пользователя. По умолчанию консоль pr.
type Prompter interface {
	ReadLine(prompt string) (string, error)
	ReadPassword(prompt string) (string, error)
}

type consolePrompter struct{}

func (consolePrompter) ReadLine(prompt string) (string, error)     { return pr.ReadLine(prompt) }
func (consolePrompter) ReadPassword(prompt string) (string, error) { return pr.ReadPassword(prompt) }

// TerminalAuthenticator реализует auth.UserAuthenticator.
type TerminalAuthenticator struct {
	PhoneNumber string
	Prompter    Prompter
}

var _ tdauth.UserAuthenticator = TerminalAuthenticator{}

// NewFlow собирает сценарий входа gotd поверх консоли.
func NewFlow(phone string) tdauth.Flow {
	return tdauth.NewFlow(TerminalAuthenticator{PhoneNumber: phone}, tdauth.SendCodeOptions{})
}

func (t TerminalAuthenticator) prompter() Prompter {
	if t.Prompter == nil {
		return consolePrompter{}
	}
	return t.Prompter
}

// Phone возвращает номер из конфигурации (E.164, без проверки формата).
func (t TerminalAuthenticator) Phone(_ context.Context) (string, error) {
	return t.PhoneNumber, nil
}

// Code запрашивает код подтверждения.
func (t TerminalAuthenticator) Code(_ context.Context, _ *tg.AuthSentCode) (string, error) {
	code, err := t.prompter().ReadLine("Enter the code from Telegram: ")
	if err != nil {
		return "", err
	}
	if code == "" {
		return "", errors.New("empty code")
	}
	return code, nil
}

// Password читает пароль 2FA без эха.
func (t TerminalAuthenticator) Password(_ context.Context) (string, error) {
	return t.prompter().ReadPassword("Enter 2FA password: ")
}

// AcceptTermsOfService печатает условия и принимает только ответ "y".
func (t TerminalAuthenticator) AcceptTermsOfService(_ context.Context, tos tg.HelpTermsOfService) error {
	pr.Printf("Telegram Terms of Service: %s\n", tos.Text)
	resp, err := t.prompter().ReadLine("Do you accept? (y/n): ")
	if err != nil {
		return err
	}
	if !strings.EqualFold(resp, "y") {
		return errors.New("user did not accept terms of service")
	}
	return nil
}

// SignUp собирает имя для незарегистрированного номера. Фамилия необязательна.
func (t TerminalAuthenticator) SignUp(_ context.Context) (tdauth.UserInfo, error) {
	firstName, err := t.prompter().ReadLine("Enter your first name: ")
	if err != nil {
		return tdauth.UserInfo{}, err
	}
	lastName, _ := t.prompter().ReadLine("Enter your last name (optional): ")
	return tdauth.UserInfo{FirstName: firstName, LastName: lastName}, nil
}
