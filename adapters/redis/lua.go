package redis

const (
	luaSaveVersion = `
		-- Advance a version by exactly one
		-- KEYS[1] = version key
		-- ARGV[1] = new version
		-- Returns: 1 on success, 0 if the stored version is not ARGV[1] - 1

		local current = tonumber(redis.call('GET', KEYS[1]) or "0")
		local want = tonumber(ARGV[1])
		if want ~= current + 1 then
			return 0
		end
		redis.call('SET', KEYS[1], ARGV[1])
		return 1
		`

	luaAppendStream = `
		-- Append a stream record unless its version or command is known
		-- KEYS[1] = streams sorted set, scored by version
		-- KEYS[2] = command id -> version hash
		-- ARGV[1] = version
		-- ARGV[2] = command id
		-- ARGV[3] = stream record (JSON)
		-- Returns: 0 on success, 1 for a known version, 2 for a known command

		if redis.call('ZCOUNT', KEYS[1], ARGV[1], ARGV[1]) > 0 then
			return 1
		end
		if redis.call('HEXISTS', KEYS[2], ARGV[2]) == 1 then
			return 2
		end
		redis.call('ZADD', KEYS[1], ARGV[1], ARGV[3])
		redis.call('HSET', KEYS[2], ARGV[2], ARGV[1])
		return 0
		`
)
