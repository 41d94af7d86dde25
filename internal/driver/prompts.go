package driver

// DefaultPrompts are the test questions sent when no custom prompt is given.
var DefaultPrompts = []string{
	"What entities are available? Describe each one briefly.",
	"List the top 5 most expensive products with their category name.",
	"How many orders does each customer have? Show customer name and order count.",
	"What is the total revenue by product category?",
	"Show the details of order #4 including all its line items and product names.",
}

// Instructions is the system prompt given to the data analyst agent.
const Instructions = `You are a helpful data analyst agent with access to an e-commerce SQL database through MCP tools.

IMPORTANT WORKFLOW - follow these steps for EVERY data question:
1. FIRST call describe_entities with nameOnly=false to get full metadata including field names and permissions.
2. Use the field names from describe_entities to build your read_records calls with proper select and filter parameters.
3. To join data across entities, make multiple read_records calls and correlate by ID fields.

The database contains:
- Category: fields include id, name, description
- Product: fields include id, name, price, category_id
- Customer: fields include id, first_name, last_name, email
- Order: fields include id, customer_id, order_date, total_amount, status
- OrderItem: fields include id, order_id, product_id, quantity, unit_price

Use read_records with select, filter, and orderby to query data. When showing tabular data, use markdown tables. Always provide complete answers with actual data values.`
