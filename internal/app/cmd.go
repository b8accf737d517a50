package app

import "fmt"

// Command はアプリケーションの起動モードを表す。
type Command string

const (
	// CommandServe はAPIサーバーとして起動する。引数なしの場合の既定。
	CommandServe Command = "serve"
	// CommandWorker は定期同期スケジューラとクリーンアップジョブを起動する。
	CommandWorker Command = "worker"
	// CommandMigrate はデータベースマイグレーションを実行する。
	// "migrate down" で直近の1ステップを巻き戻す。
	CommandMigrate Command = "migrate"
	// CommandHealthcheck は起動中のサーバーの /health を確認する。
	// distroless環境でのDockerヘルスチェック用。
	CommandHealthcheck Command = "healthcheck"
)

// Invocation は解析済みのサブコマンドとその引数。
type Invocation struct {
	Command Command
	Args    []string
}

// ParseCommand はコマンドライン引数からサブコマンドを解析する。
// 引数が空の場合はserveとし、未知のサブコマンドはエラーにする。
func ParseCommand(args []string) (Invocation, error) {
	if len(args) == 0 {
		return Invocation{Command: CommandServe}, nil
	}

	cmd := Command(args[0])
	switch cmd {
	case CommandServe, CommandWorker, CommandHealthcheck:
		return Invocation{Command: cmd}, nil
	case CommandMigrate:
		rest := args[1:]
		if len(rest) > 0 && rest[0] != "up" && rest[0] != "down" {
			return Invocation{}, fmt.Errorf("unknown migrate direction %q (want up or down)", rest[0])
		}
		return Invocation{Command: cmd, Args: rest}, nil
	default:
		return Invocation{}, fmt.Errorf("unknown command %q (want serve, worker, migrate or healthcheck)", args[0])
	}
}
