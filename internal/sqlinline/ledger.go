package sqlinline

const QLedgerSchema = `--sql b45ba84d-e379-44c0-9aa8-c57e989d87aa
create table if not exists accounts (
    id               bigint primary key,
    balance          bigint not null default 0 check (balance >= 0),
    tier             text not null default 'free',
    tier_expires_at  timestamptz,
    last_daily_bonus date,
    created_at       timestamptz not null default now()
);
create table if not exists transactions (
    id         bigserial primary key,
    account_id bigint not null references accounts(id),
    kind       text not null,
    amount     bigint not null,
    note       text not null default '',
    created_at timestamptz not null default now()
);
create index if not exists idx_transactions_account on transactions(account_id, id);
create table if not exists payment_events (
    id         text primary key,
    account_id bigint not null,
    created_at timestamptz not null default now()
);
`

const QEnsureAccount = `--sql d7c7b5d4-b543-44f7-adca-a33790d0b091
with created as (
    insert into accounts (id, balance, tier, created_at)
    values ($1::bigint, $2::bigint, 'free', now())
    on conflict (id) do nothing
    returning id, balance
),
granted as (
    insert into transactions (account_id, kind, amount, note, created_at)
    select id, 'grant', balance, 'initial balance', now()
    from created
)
select exists(select 1 from created);
`

const QSelectAccount = `--sql d0da6beb-4791-4c0a-9ac3-32f34dced6d0
select id, balance, tier, tier_expires_at, last_daily_bonus, created_at
from accounts
where id = $1::bigint
limit 1;
`

const QCreditAccount = `--sql ac607fdd-6def-439f-808d-7160e5a007ea
with credited as (
    update accounts
    set balance = balance + $2::bigint
    where id = $1::bigint
    returning id, balance
),
logged as (
    insert into transactions (account_id, kind, amount, note, created_at)
    select id, $3::text, $2::bigint, $4::text, now()
    from credited
)
select balance from credited;
`

const QDebitIfAffordable = `--sql f4043df6-6bcc-448b-8848-7436dd332805
with debited as (
    update accounts
    set balance = balance - $2::bigint
    where id = $1::bigint and balance >= $2::bigint
    returning id, balance
),
logged as (
    insert into transactions (account_id, kind, amount, note, created_at)
    select id, $3::text, -$2::bigint, $4::text, now()
    from debited
)
select true, balance from debited
union all
select false, balance from accounts
where id = $1::bigint and not exists (select 1 from debited);
`

const QClaimDailyBonus = `--sql 3e530ae3-005c-47f9-b273-e7c9998e14dc
with claimed as (
    update accounts
    set balance = balance + $2::bigint, last_daily_bonus = $3::date
    where id = $1::bigint
      and (last_daily_bonus is null or last_daily_bonus < $3::date)
    returning id, balance
),
logged as (
    insert into transactions (account_id, kind, amount, note, created_at)
    select id, 'daily_bonus', $2::bigint, '', now()
    from claimed
)
select true, balance from claimed
union all
select false, balance from accounts
where id = $1::bigint and not exists (select 1 from claimed);
`

const QSetSubscription = `--sql e4ca97cd-7645-42ba-86a9-e0d15502a326
with changed as (
    update accounts
    set tier = $2::text, tier_expires_at = $3::timestamptz
    where id = $1::bigint
    returning id
)
insert into transactions (account_id, kind, amount, note, created_at)
select id, 'subscription_change', 0, $2::text, now()
from changed;
`

const QListTransactions = `--sql 27cd54a7-a748-4591-bd5c-a3c4d6a57f99
select id, account_id, kind, amount, note, created_at
from (
    select id, account_id, kind, amount, note, created_at
    from transactions
    where account_id = $1::bigint
    order by id desc
    limit $2::int
) recent
order by id asc;
`

const QApplyPaymentEvent = `--sql 2b3e5a4c-b5ee-4e97-af9e-fa273cc3db81
with recorded as (
    insert into payment_events (id, account_id, created_at)
    values ($1::text, $2::bigint, now())
    on conflict (id) do nothing
    returning account_id
),
changed as (
    update accounts
    set tier = $3::text,
        tier_expires_at = $4::timestamptz,
        balance = balance + $5::bigint
    where id = (select account_id from recorded)
    returning id, balance
),
tier_logged as (
    insert into transactions (account_id, kind, amount, note, created_at)
    select id, 'subscription_change', 0, $3::text, now()
    from changed
),
bonus_logged as (
    insert into transactions (account_id, kind, amount, note, created_at)
    select id, 'purchase', $5::bigint, $6::text, now()
    from changed
    where $5::bigint > 0
)
select true, balance from changed
union all
select false, balance from accounts
where id = $2::bigint and not exists (select 1 from recorded);
`
