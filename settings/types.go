package settings

import (
	"genstudio/logger"
)

type (
	Config struct {
		Studio  StudioConfig  `toml:"studio" validate:"required"`
		ComfyUi ComfyUiConfig `toml:"comfyui" validate:"required"`
		Gemini  GeminiConfig  `toml:"gemini"`
		Server  ServerConfig  `toml:"server"`
		Logging logger.Config `toml:"logging" validate:"required"`
	}

	StudioConfig struct {
		WorkflowDir    string `toml:"workflowDir" validate:"required"`
		OutputDir      string `toml:"outputDir" validate:"required"`
		InputDir       string `toml:"inputDir"`
		CachePath      string `toml:"cachePath"`
		HistoryPath    string `toml:"historyPath"`
		FilenamePrefix string `toml:"filenamePrefix"`
		EnhancePrompts bool   `toml:"enhancePrompts"`
	}

	ComfyUiConfig struct {
		Url            string        `toml:"url" validate:"required"`
		Ports          []ComfyUiPort `toml:"ports" validate:"required,min=1,dive"`
		DefaultPort    string        `toml:"defaultPort"`
		TimeoutMinutes int           `toml:"timeoutMinutes" validate:"gte=0"`
		FreeAfterRun   bool          `toml:"freeAfterRun"`
		BadWords       []string      `toml:"badWords"`
		BadWordsPrompt string        `toml:"badWordsPrompt"`
	}

	ComfyUiPort struct {
		Name string `toml:"name" validate:"required"`
		Port int    `toml:"port" validate:"required,gt=0,lte=65535"`
	}

	GeminiConfig struct {
		ApiKey       string `toml:"apiKey"`
		Model        string `toml:"model"`
		SystemPrompt string `toml:"systemPrompt"`
	}

	ServerConfig struct {
		Listen string `toml:"listen"`
	}
)
