package cli

import (
	"github.com/spf13/cobra"

	"github.com/dkeye/meetroom/internal/config"
)

type Dependencies struct {
	Config *config.Config
}

func NewRootCmd(deps *Dependencies) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:           "meetroom",
		Short:         "Join department meetings from the terminal",
		Long:          "A headless meeting participant: streams media files into a department meeting, records it and posts the transcript to the department chat when the last person leaves.",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.AddCommand(NewJoinCmd(deps))

	return rootCmd
}
