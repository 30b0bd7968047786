package utils

import (
	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// LoadConfig reads a .env file from the given path (if present) and binds
// all environment variables into viper so cobra flags can fall back to them.
func LoadConfig(path string) {
	_ = godotenv.Load(path + "/.env")

	viper.AddConfigPath(path)
	viper.SetConfigName(".env")
	viper.SetConfigType("env")
	viper.AutomaticEnv()
	_ = viper.ReadInConfig()
}
