package app

import (
	"fmt"
	"strconv"
)

// Command はアプリケーションの起動モードを表す。
type Command string

const (
	// CommandServe はAPIサーバーを起動する。ワークキューがプロセス内の場合はジョブも処理する。
	CommandServe Command = "serve"
	// CommandWorker はマッチング・在席クリーンアップのジョブと定期スイープを処理する。
	CommandWorker Command = "worker"
	// CommandMigrate はスキーマのマイグレーションを適用する。"migrate down [n]"で取り消す。
	CommandMigrate Command = "migrate"
	// CommandSeed はロビー定義ファイルからロビーを作成または更新する。
	CommandSeed Command = "seed"
	// CommandHealthcheck は起動中のサーバーの/healthを確認する。
	// distrolessイメージにはcurlがないためサブコマンドで提供する。
	CommandHealthcheck Command = "healthcheck"
)

var commands = map[string]Command{
	string(CommandServe):       CommandServe,
	string(CommandWorker):      CommandWorker,
	string(CommandMigrate):     CommandMigrate,
	string(CommandSeed):        CommandSeed,
	string(CommandHealthcheck): CommandHealthcheck,
}

// ParseCommand はコマンドライン引数からサブコマンドを解析する。
// 引数が空またはサポート外のコマンドの場合はCommandServeを返す。
func ParseCommand(args []string) Command {
	if len(args) == 0 {
		return CommandServe
	}
	if cmd, ok := commands[args[0]]; ok {
		return cmd
	}
	return CommandServe
}

// ParseRollbackSteps はmigrateサブコマンドの引数から取り消す件数を解析する。
// "migrate"は0（適用）、"migrate down"は1、"migrate down 3"は3を返す。
func ParseRollbackSteps(args []string) (int, error) {
	if len(args) < 2 {
		return 0, nil
	}
	if args[1] != "down" {
		return 0, fmt.Errorf("unknown migrate argument: %q", args[1])
	}
	if len(args) < 3 {
		return 1, nil
	}
	n, err := strconv.Atoi(args[2])
	if err != nil || n <= 0 {
		return 0, fmt.Errorf("invalid rollback steps: %q", args[2])
	}
	return n, nil
}
