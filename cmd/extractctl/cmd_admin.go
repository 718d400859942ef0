package main

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"text/tabwriter"
	"time"

	"extracthub/internal/app"
	"extracthub/internal/auth"
	"extracthub/internal/pricing"
	"extracthub/internal/security"
	"extracthub/pkg/types"

	"github.com/spf13/cobra"
)

// creditCmd 租户充值
var creditCmd = &cobra.Command{
	Use:   "credit <tenant-id> <amount>",
	Short: "为租户充值，账户不存在时创建",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		amount, err := types.ParseMicros(args[1])
		if err != nil {
			return err
		}
		return withContainer(cmd, false, func(ctx context.Context, c *app.Container) error {
			if err := c.Ledger.Credit(ctx, args[0], amount); err != nil {
				return err
			}
			acc, err := c.Ledger.Account(ctx, args[0])
			if err != nil {
				return err
			}
			fmt.Printf("%s 余额 %s\n", acc.TenantID, acc.Balance)
			return nil
		})
	},
}

// featureCmd 开关租户抽取功能
var featureCmd = &cobra.Command{
	Use:   "feature <tenant-id> <on|off>",
	Short: "开启或关闭租户的抽取功能",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		var enabled bool
		switch args[1] {
		case "on":
			enabled = true
		case "off":
		default:
			return fmt.Errorf("开关值只能是 on 或 off")
		}
		return withContainer(cmd, false, func(ctx context.Context, c *app.Container) error {
			return c.Ledger.SetExtractionEnabled(ctx, args[0], enabled)
		})
	},
}

var credentialTenant string

// credentialCmd 凭证池管理
var credentialCmd = &cobra.Command{
	Use:   "credential",
	Short: "管理推理服务凭证池",
}

var credentialAddCmd = &cobra.Command{
	Use:   "add <name> <api-key>",
	Short: "加密保存一个 API Key，--tenant 为空表示共享凭证",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withContainer(cmd, false, func(ctx context.Context, c *app.Container) error {
			encrypted, err := c.Cipher.EncryptSecret(args[1])
			if err != nil {
				return err
			}
			cred, err := c.Credentials.Add(ctx, args[0], credentialTenant, encrypted)
			if err != nil {
				return err
			}
			fmt.Println(cred.ID)
			return nil
		})
	},
}

var credentialListCmd = &cobra.Command{
	Use:   "list",
	Short: "列出凭证及使用统计",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		return withContainer(cmd, false, func(ctx context.Context, c *app.Container) error {
			list, err := c.Credentials.List(ctx)
			if err != nil {
				return err
			}
			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tNAME\tTENANT\tACTIVE\tUSES\tFAILURES\tCOST")
			for _, cr := range list {
				fmt.Fprintf(w, "%s\t%s\t%s\t%t\t%d\t%d\t%s\n",
					cr.ID, cr.Name, cr.TenantID, cr.Active, cr.UsageCount, cr.FailureCount, cr.TotalCost)
			}
			return w.Flush()
		})
	},
}

var credentialDisableCmd = &cobra.Command{
	Use:   "disable <id>",
	Short: "停用凭证",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withContainer(cmd, false, func(ctx context.Context, c *app.Container) error {
			return c.Credentials.Deactivate(ctx, args[0])
		})
	},
}

// priceCmd 维护数据库中的模型价格
var priceCmd = &cobra.Command{
	Use:   "price <model> <input-per-mtok> <output-per-mtok>",
	Short: "设置模型单价（美元 / 百万 token）",
	Args:  cobra.ExactArgs(3),
	RunE: func(cmd *cobra.Command, args []string) error {
		in, err := strconv.ParseFloat(args[1], 64)
		if err != nil {
			return fmt.Errorf("输入单价格式错误: %w", err)
		}
		out, err := strconv.ParseFloat(args[2], 64)
		if err != nil {
			return fmt.Errorf("输出单价格式错误: %w", err)
		}
		return withContainer(cmd, false, func(ctx context.Context, c *app.Container) error {
			return c.Prices.Upsert(ctx, pricing.ModelPrice{
				Model:         args[0],
				InputPerMTok:  in,
				OutputPerMTok: out,
			})
		})
	},
}

var (
	tokenRoles  []string
	tokenExpiry time.Duration
)

// tokenCmd 签发接口令牌
var tokenCmd = &cobra.Command{
	Use:   "token <subject> <tenant-id>",
	Short: "签发 API 访问令牌",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, _, err := loadConfig()
		if err != nil {
			return err
		}
		if cfg.Auth.JWTSecret == "" {
			return fmt.Errorf("未配置 auth.jwt_secret")
		}
		token, err := auth.NewJWTService(cfg.Auth.JWTSecret, cfg.Auth.Issuer, nil).
			GenerateToken(args[0], args[1], tokenRoles, tokenExpiry)
		if err != nil {
			return err
		}
		fmt.Println(token)
		return nil
	},
}

// encryptCmd 加密一个 API Key，输出可直接写入数据库的十六进制密文
var encryptCmd = &cobra.Command{
	Use:   "encrypt-key <api-key>",
	Short: "使用 security.credential_secret 加密 API Key",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, _, err := loadConfig()
		if err != nil {
			return err
		}
		cipher, err := security.NewCipher(cfg.Security.CredentialSecret)
		if err != nil {
			return err
		}
		encrypted, err := cipher.EncryptSecret(args[0])
		if err != nil {
			return err
		}
		fmt.Printf("%x\n", encrypted)
		return nil
	},
}

func init() {
	credentialAddCmd.Flags().StringVar(&credentialTenant, "tenant", "", "租户专属凭证")
	credentialCmd.AddCommand(credentialAddCmd, credentialListCmd, credentialDisableCmd)

	tokenCmd.Flags().StringSliceVar(&tokenRoles, "role", nil, "角色，例如 admin")
	tokenCmd.Flags().DurationVar(&tokenExpiry, "expiry", 30*24*time.Hour, "有效期")
}
