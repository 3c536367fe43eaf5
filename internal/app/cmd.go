package app

// Command はkippuの起動モードを表すサブコマンド。
type Command string

const (
	// CommandServe はアクセスパスAPIサーバーとして起動する。
	CommandServe Command = "serve"
	// CommandWorker は失効スイーパーのワーカーとして起動する。
	CommandWorker Command = "worker"
	// CommandMigrate はデータベースマイグレーションを適用して終了する。
	CommandMigrate Command = "migrate"
	// CommandHealthcheck は稼働中のサーバーに疎通確認して終了する。
	// シェルを持たないdistrolessコンテナのHEALTHCHECKから使う。
	CommandHealthcheck Command = "healthcheck"
)

// ParseCommand は先頭のコマンドライン引数をサブコマンドとして解析する。
// 引数なし・未知の引数はいずれもCommandServeにフォールバックする。
func ParseCommand(args []string) Command {
	if len(args) == 0 {
		return CommandServe
	}

	switch args[0] {
	case "serve":
		return CommandServe
	case "worker":
		return CommandWorker
	case "migrate":
		return CommandMigrate
	case "healthcheck":
		return CommandHealthcheck
	default:
		return CommandServe
	}
}
