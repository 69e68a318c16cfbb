package postgres

var migrations = []string{
	`create table if not exists deployment_results (
		request_id text primary key,
		site_id text not null,
		service_id text not null,
		instance_count int not null check (instance_count > 0),
		success boolean not null,
		remote_identifier text not null default '',
		cost int not null default 0,
		delay_ms int not null default 0,
		error_message text not null default '',
		completed_at timestamptz not null,
		updated_at timestamptz not null default now()
	);`,
	`create index if not exists deployment_results_site_idx
		on deployment_results (site_id, completed_at);`,
}
