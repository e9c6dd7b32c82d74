package sitecache

// Driver identifies the durable backend mirroring persistent keys.
type Driver string

const (
	DriverNull   Driver = "null"
	DriverFile   Driver = "file"
	DriverMemory Driver = "memory"
	DriverDynamo Driver = "dynamodb"
	DriverSQL    Driver = "sql"
	DriverRedis  Driver = "redis"
	DriverNATS   Driver = "nats"

	DriverMemcached Driver = "memcached"
)
