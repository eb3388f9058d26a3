package settings

// DB setting keys. Values are stored as JSON in the settings table.
const (
	// AdminTokenKey is the bearer token accepted on the proxy and admin routes.
	AdminTokenKey = "ADMIN_TOKEN"
	// UpstreamBaseURLKey is the upstream API base URL.
	UpstreamBaseURLKey = "UPSTREAM_BASE_URL"
	// ProxyTimeoutKey bounds one upstream call, in seconds.
	ProxyTimeoutKey = "PROXY_TIMEOUT"

	// LimitJimeng40Key caps jimeng-4.0 usage per account.
	LimitJimeng40Key = "LIMIT_JIMENG_4_0"
	// LimitJimeng41Key caps jimeng-4.1 usage per account.
	LimitJimeng41Key = "LIMIT_JIMENG_4_1"
	// LimitNanobananaKey caps nanobanana usage per account.
	LimitNanobananaKey = "LIMIT_NANOBANANA"
	// LimitNanobananaProKey caps nanobananapro usage per account.
	LimitNanobananaProKey = "LIMIT_NANOBANANAPRO"
	// LimitVideo30Key caps video-3.0 usage per account.
	LimitVideo30Key = "LIMIT_VIDEO_3_0"

	// PointsExemptModelsKey lists models selectable with a zero points balance.
	PointsExemptModelsKey = "POINTS_EXEMPT_MODELS"
	// CreditSkipRegionsKey lists regions without a credit lookup endpoint.
	CreditSkipRegionsKey = "CREDIT_SKIP_REGIONS"
	// DefaultRegionKey is used when a session id carries no known prefix.
	DefaultRegionKey = "DEFAULT_REGION"

	// RegisterAPIURLKey is the registration service base URL.
	RegisterAPIURLKey = "REGISTER_API_URL"
	// RegisterAPIKeyKey is the registration service bearer key.
	RegisterAPIKeyKey = "REGISTER_API_KEY"
	// RegisterMailTypeKey selects the mailbox provider for new accounts.
	RegisterMailTypeKey = "REGISTER_MAIL_TYPE"
	// DefaultPointsKey is the balance given to newly registered accounts.
	DefaultPointsKey = "DEFAULT_POINTS"

	// ResetCountsTimeKey is the daily HH:MM usage reset time.
	ResetCountsTimeKey = "RESET_COUNTS_TIME"
	// ResetTimezoneKey names the IANA zone for the reset time; empty means local.
	ResetTimezoneKey = "RESET_TIMEZONE"
	// SessionUpdateDaysKey is the age after which a session is refreshed.
	SessionUpdateDaysKey = "SESSION_UPDATE_DAYS"
	// SessionUpdateBatchSizeKey is the refresh batch size.
	SessionUpdateBatchSizeKey = "SESSION_UPDATE_BATCH_SIZE"

	// AutoRegisterEnabledKey toggles autonomous account acquisition.
	AutoRegisterEnabledKey = "AUTO_REGISTER_ENABLED"
	// AutoRegisterIntervalKey is the acquisition interval, in seconds.
	AutoRegisterIntervalKey = "AUTO_REGISTER_INTERVAL"

	// BanDurationHoursKey is the temporary ban length; fractions allowed.
	BanDurationHoursKey = "ACCOUNT_BAN_DURATION_HOURS"

	// PointsUpdateEnabledKey toggles the periodic points refresh.
	PointsUpdateEnabledKey = "POINTS_UPDATE_ENABLED"
	// PointsUpdateIntervalKey is the points refresh interval, in seconds.
	PointsUpdateIntervalKey = "POINTS_UPDATE_INTERVAL"
)

// Defaults for every key above.
const (
	DefaultAdminToken             = "admin"
	DefaultUpstreamBaseURL        = "http://localhost:8080"
	DefaultProxyTimeoutSeconds    = 300
	DefaultModelLimit             = 60
	DefaultRegion                 = "us"
	DefaultRegisterMailType       = "moemail"
	DefaultPoints                 = 120.0
	DefaultResetCountsTime        = "00:00"
	DefaultSessionUpdateDays      = 7
	DefaultSessionUpdateBatchSize = 5
	DefaultAutoRegisterInterval   = 3600
	DefaultBanDurationHours       = 4.0
	DefaultPointsUpdateInterval   = 3600
)

// DefaultPointsExemptModels and DefaultCreditSkipRegions seed the list settings.
var (
	DefaultPointsExemptModels = []string{"nanobanana"}
	DefaultCreditSkipRegions  = []string{"cn"}
)
