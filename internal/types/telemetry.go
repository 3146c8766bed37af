package types

// CloudWatch metric names published by the maintenance loop.
// All components MUST use these constants.
const (
	MetricCacheUsageBytes = "CacheUsageBytes"
	MetricCacheUsagePct   = "CacheUsagePct"
	MetricCacheFileCount  = "CacheFileCount"
	MetricJobsActive      = "JobsActive"

	// Dimension Keys
	DimService = "Service"

	// DefaultMetricNamespace is used when CLOUDWATCH_NAMESPACE is unset.
	DefaultMetricNamespace = "Vegwatch"
)
