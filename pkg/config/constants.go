package config

// EnvPrefix namespaces every environment variable this service reads.
const EnvPrefix = "TRADEYARD"

const (
	AppEnvDev  = "dev"
	AppEnvProd = "prod"
)

const (
	EnvDBDSN  = "TRADEYARD_DB_DSN"
	EnvDBHost = "TRADEYARD_DB_HOST"
	EnvDBUser = "TRADEYARD_DB_USER"
	EnvDBName = "TRADEYARD_DB_NAME"
)

var requiredDBEnvVars = []string{EnvDBHost, EnvDBUser, EnvDBName}
