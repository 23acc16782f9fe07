package main

import (
	"fmt"
	"io"
	"strings"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"TaskMesh-Chain/internal/registry"
)

var (
	listOffset  uint64
	listLimit   uint64
	registerURI string
	registerCap []string
)

var registryCmd = &cobra.Command{
	Use:   "registry",
	Short: "查询与维护能力注册表",
}

var registryListCmd = &cobra.Command{
	Use:   "list",
	Short: "按注册顺序列出对手方",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		var release cleanup
		defer release.run()
		reg, err := openRegistry(cmd.Context(), cfg, &release)
		if err != nil {
			return err
		}

		total, err := reg.Total(cmd.Context())
		if err != nil {
			return err
		}
		entries, err := reg.List(cmd.Context(), listOffset, listLimit)
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		for _, entry := range entries {
			printRegistration(out, entry)
		}
		fmt.Fprintf(out, "%d/%d\n", len(entries), total)
		return nil
	},
}

var registryRegisterCmd = &cobra.Command{
	Use:   "register <id>",
	Short: "注册对手方并登记其能力",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		var release cleanup
		defer release.run()
		reg, err := openRegistry(cmd.Context(), cfg, &release)
		if err != nil {
			return err
		}
		if err := reg.Register(cmd.Context(), registry.RegisterRequest{
			ID:           args[0],
			MetadataURI:  registerURI,
			Capabilities: registerCap,
		}); err != nil {
			return err
		}
		printStatus(cmd.OutOrStdout(), "✓", "registered "+args[0], color.FgGreen)
		return nil
	},
}

var registryDeactivateCmd = &cobra.Command{
	Use:   "deactivate <id>",
	Short: "停用对手方",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		var release cleanup
		defer release.run()
		reg, err := openRegistry(cmd.Context(), cfg, &release)
		if err != nil {
			return err
		}
		if err := reg.Deactivate(cmd.Context(), args[0]); err != nil {
			return err
		}
		printStatus(cmd.OutOrStdout(), "✓", "deactivated "+args[0], color.FgYellow)
		return nil
	},
}

func init() {
	registryListCmd.Flags().Uint64Var(&listOffset, "offset", 0, "起始位置")
	registryListCmd.Flags().Uint64Var(&listLimit, "limit", 50, "最多返回条数")

	registryRegisterCmd.Flags().StringVar(&registerURI, "metadata-uri", "", "对手方元数据地址（ipfs:// 或 https://）")
	registryRegisterCmd.Flags().StringSliceVar(&registerCap, "capability", nil, "声明的能力，可重复指定")
	_ = registryRegisterCmd.MarkFlagRequired("metadata-uri")

	registryCmd.AddCommand(registryListCmd, registryRegisterCmd, registryDeactivateCmd)
}

func printRegistration(out io.Writer, r registry.Registration) {
	symbol, attr := "●", color.FgGreen
	if !r.Active {
		symbol, attr = "○", color.FgHiBlack
	}
	name := r.Metadata.Name
	if name == "" {
		name = "-"
	}
	printStatus(out, symbol, fmt.Sprintf("%s  %s  [%s]  %s",
		r.ID, name, strings.Join(r.Capabilities, ","), r.MetadataURI), attr)
}

func printStatus(out io.Writer, symbol, message string, attr color.Attribute) {
	c := color.New(attr)
	fmt.Fprintf(out, "%s %s\n", c.Sprint(symbol), message)
}
