package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"gopkg.in/alecthomas/kingpin.v2"

	"VestLedger/internal/config"
)

var (
	app        = kingpin.New("vestledgerd", "Token vesting and conditional transfer ledger.")
	configPath = app.Flag("config", "配置文件路径").Short('c').Envar(config.EnvConfigPath).Default(config.DefaultPath).String()

	serveCmd = app.Command("serve", "启动账本服务与 HTTP 接口。").Default()

	hashCmd = app.Command("hash-password", "交互式生成 bcrypt 密码哈希，用于 auth.seeds[].password_hash。")

	inspectCmd     = app.Command("inspect", "回放日志并打印账本状态，不写入任何数据。")
	inspectAccount = inspectCmd.Arg("account", "只打印该受益人的归属信息").String()
)

// main 是 VestLedger 守护进程的入口。
func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var err error
	switch kingpin.MustParse(app.Parse(os.Args[1:])) {
	case serveCmd.FullCommand():
		err = serve(ctx, *configPath)
	case hashCmd.FullCommand():
		err = hashPassword(os.Stdin, os.Stdout)
	case inspectCmd.FullCommand():
		err = inspect(ctx, *configPath, *inspectAccount, os.Stdout)
	default:
		err = fmt.Errorf("未知命令")
	}
	if err != nil {
		log.Fatalf("vestledgerd 运行失败: %v", err)
	}
}
