// Package main — интерактивное создание MTProto-сессий для аккаунтов шлюза.
//
// Запуск на сервере:
//
//	authsessions -env assets/.env
//
// Утилита показывает, какие файлы сессий уже есть, а какие нужно создать,
// и для каждой недостающей пары аккаунт × сервис проводит авторизацию:
// код из Telegram, при необходимости пароль 2FA.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"strings"
	"syscall"

	"github.com/chzyer/readline"
	"github.com/go-faster/errors"
	"github.com/gotd/td/telegram"
	"github.com/gotd/td/telegram/auth"
	"github.com/gotd/td/tg"
	"golang.org/x/term"

	"mtproto-gateway/internal/infra/config"
	"mtproto-gateway/internal/infra/logger"
	"mtproto-gateway/internal/infra/telegram/session"
)

func main() {
	log.SetFlags(0)

	envPath := flag.String("env", "assets/.env", "path to .env file")
	flag.Parse()

	if err := config.Load(*envPath); err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
	logger.Init("warn", "")

	rl, err := readline.New("> ")
	if err != nil {
		log.Fatalf("readline init: %v", err)
	}
	defer rl.Close()

	missing := reportSessions()
	if len(missing) == 0 {
		fmt.Println("\nВсе сессии на месте. Выход.")
		return
	}

	fmt.Printf("\nГотов создать %d сессий:\n", len(missing))
	for _, m := range missing {
		fmt.Printf("  - %s / %s -> %s\n", m.account.Name, m.service, m.path)
	}
	answer, err := prompt(rl, "\nПродолжить? (y/n): ")
	if err != nil || !strings.EqualFold(answer, "y") {
		fmt.Println("Отменено.")
		return
	}

	ctx := context.Background()
	for _, m := range missing {
		if err = authorize(ctx, rl, m); err != nil {
			fmt.Printf("\nОШИБКА при создании %s: %v\n", m.path, err)
			skip, promptErr := prompt(rl, "Пропустить и продолжить? (y/n): ")
			if promptErr != nil || !strings.EqualFold(skip, "y") {
				fmt.Println("Прервано.")
				return
			}
		}
	}

	fmt.Println("\nГОТОВО! Финальный статус:")
	reportSessions()
}

// pending — недостающая сессия.
type pending struct {
	account config.Account
	service config.Service
	path    string
}

// reportSessions печатает таблицу статусов и возвращает недостающие сессии.
func reportSessions() []pending {
	fmt.Println("\n" + strings.Repeat("=", 70))
	fmt.Println("СТАТУС СЕССИЙ")
	fmt.Println(strings.Repeat("=", 70))

	sessionsDir := config.Env().SessionsDir
	var missing []pending

	for _, acc := range config.Accounts() {
		fmt.Printf("\n  Аккаунт: %s (%s, %s), приоритет %d\n",
			acc.Name, acc.Username, acc.Phone, acc.Priority)
		for _, svc := range config.Services {
			path, ok := acc.SessionPath(sessionsDir, svc)
			if !ok {
				fmt.Printf("    [-] %-12s -> (не указана в accounts.json)\n", svc)
				continue
			}
			if _, err := os.Stat(path); err == nil {
				fmt.Printf("    [+] %-12s -> %s  [OK]\n", svc, path)
				continue
			}
			fmt.Printf("    [!] %-12s -> %s  [НЕТ ФАЙЛА]\n", svc, path)
			missing = append(missing, pending{account: acc, service: svc, path: path})
		}
	}

	fmt.Println("\n" + strings.Repeat("-", 70))
	if len(missing) == 0 {
		fmt.Println("Все сессии на месте! Ничего создавать не нужно.")
	} else {
		fmt.Printf("Недостаёт %d сессий.\n", len(missing))
	}
	return missing
}

// authorize создаёт одну сессию интерактивно.
func authorize(ctx context.Context, rl *readline.Instance, m pending) error {
	fmt.Printf("\n%s\n", strings.Repeat("=", 70))
	fmt.Printf("Создание сессии: %s\n", m.path)
	fmt.Printf("  Аккаунт:  %s (%s)\n", m.account.Name, m.account.Username)
	fmt.Printf("  Телефон:  %s\n", m.account.Phone)
	fmt.Printf("  Сервис:   %s\n", m.service)
	fmt.Println(strings.Repeat("=", 70))

	client := telegram.NewClient(m.account.APIID, m.account.APIHash, telegram.Options{
		SessionStorage: &session.FileStorage{Path: m.path},
	})

	return client.Run(ctx, func(ctx context.Context) error {
		status, err := client.Auth().Status(ctx)
		if err != nil {
			return fmt.Errorf("auth status: %w", err)
		}
		if status.Authorized {
			self, selfErr := client.Self(ctx)
			if selfErr == nil {
				fmt.Printf("\nСессия уже авторизована как @%s. Пропускаем.\n", self.Username)
			}
			return nil
		}

		flow := auth.NewFlow(
			terminalAuthenticator{phone: m.account.Phone, rl: rl},
			auth.SendCodeOptions{},
		)
		if err = client.Auth().IfNecessary(ctx, flow); err != nil {
			return fmt.Errorf("auth flow: %w", err)
		}

		self, err := client.Self(ctx)
		if err != nil {
			return err
		}
		fmt.Printf("\nУспешно авторизован как @%s (%s)\n", self.Username, self.Phone)
		return nil
	})
}

// terminalAuthenticator реализует auth.UserAuthenticator поверх readline.
type terminalAuthenticator struct {
	phone string
	rl    *readline.Instance
}

func (t terminalAuthenticator) Phone(_ context.Context) (string, error) {
	return t.phone, nil
}

func (t terminalAuthenticator) Code(_ context.Context, _ *tg.AuthSentCode) (string, error) {
	return prompt(t.rl, "Введите код из Telegram: ")
}

// Password считывает пароль 2FA без отображения вводимых символов.
func (t terminalAuthenticator) Password(_ context.Context) (string, error) {
	fmt.Print("Требуется 2FA пароль: ")
	passwordBytes, err := term.ReadPassword(syscall.Stdin)
	fmt.Println()
	if err != nil {
		return "", err
	}
	return string(passwordBytes), nil
}

func (t terminalAuthenticator) AcceptTermsOfService(_ context.Context, tos tg.HelpTermsOfService) error {
	fmt.Printf("Telegram Terms of Service: %s\n", tos.Text)
	resp, err := prompt(t.rl, "Принимаете? (y/n): ")
	if err != nil {
		return err
	}
	if !strings.EqualFold(resp, "y") {
		return errors.New("user did not accept terms of service")
	}
	return nil
}

// SignUp не поддерживается: аккаунты шлюза должны быть зарегистрированы заранее.
func (t terminalAuthenticator) SignUp(_ context.Context) (auth.UserInfo, error) {
	return auth.UserInfo{}, errors.New("sign-up is not supported; register the account first")
}

func prompt(rl *readline.Instance, text string) (string, error) {
	rl.SetPrompt(text)
	line, err := rl.Readline()
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(line), nil
}
